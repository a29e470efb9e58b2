package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/dsm/internal/arbiter"
	"github.com/ocx/dsm/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with process environment")
	}

	nproc := flag.Uint("nproc", 0, "number of processes in the cohort (required)")
	globalNProc := flag.Uint("global-nproc", 0, "session's total cohort size across every host, defaults to -nproc")
	sid := flag.String("sid", "", "session id name (required)")
	daddr := flag.String("daemon-addr", "", "session daemon host, empty to run single-host")
	dport := flag.String("daemon-port", "4200", "session daemon port")
	mapSize := flag.Int("map-size", 0, "shared region size in bytes, must be a multiple of the page size (required)")
	listenAddr := flag.String("listen", "127.0.0.1:4040", "address clients connect to")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	configPath := flag.String("config", "", "optional YAML config file, overrides flag defaults, overridden by flags explicitly set")
	flag.Parse()

	if *configPath != "" {
		f, err := config.LoadArbiterFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dsm-arbiter: %v\n", err)
			os.Exit(2)
		}
		if *nproc == 0 {
			*nproc = f.NProc
		}
		if *globalNProc == 0 {
			*globalNProc = f.GlobalNProc
		}
		if *sid == "" {
			*sid = f.SIDName
		}
		if *daddr == "" {
			*daddr = f.DaemonAddr
		}
		if *dport == "4200" {
			*dport = f.DaemonPort
		}
		if *mapSize == 0 {
			*mapSize = f.MapSize
		}
		if *listenAddr == "127.0.0.1:4040" && f.ListenAddr != "" {
			*listenAddr = f.ListenAddr
		}
		if *metricsAddr == "" {
			*metricsAddr = f.MetricsAddr
		}
		if *logLevel == "info" && f.LogLevel != "" {
			*logLevel = f.LogLevel
		}
	}

	// Supports the legacy CLI shape internal/runtime.Init spawns with:
	// dsm-arbiter <nproc> <sid> <daemon-addr> <daemon-port> <map-size>
	if args := flag.Args(); len(args) == 5 {
		if v, err := strconv.ParseUint(args[0], 10, 32); err == nil {
			*nproc = uint(v)
		}
		*sid = args[1]
		*daddr = args[2]
		*dport = args[3]
		if v, err := strconv.Atoi(args[4]); err == nil {
			*mapSize = v
		}
	}

	slog.SetLogLoggerLevel(parseLevel(*logLevel))
	log := slog.Default()

	if *nproc == 0 || *sid == "" || *mapSize == 0 {
		fmt.Fprintln(os.Stderr, "usage: dsm-arbiter -nproc N -sid NAME -map-size BYTES [-daemon-addr HOST] [-listen ADDR]")
		os.Exit(2)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	a, err := arbiter.New(arbiter.Config{
		NProc:       *nproc,
		GlobalNProc: *globalNProc,
		SIDName:     *sid,
		DAddr:       *daddr,
		DPort:       *dport,
		MapSize:     *mapSize,
		ListenAddr:  *listenAddr,
	}, log)
	if err != nil {
		log.Error("failed to start arbiter", "error", err)
		os.Exit(1)
	}

	log.Info("arbiter listening", "addr", *listenAddr, "sid", *sid, "nproc", *nproc)
	if err := a.Run(); err != nil {
		log.Error("arbiter exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
