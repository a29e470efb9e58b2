package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ocx/dsm/internal/config"
	"github.com/ocx/dsm/internal/daemon"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with process environment")
	}

	listenAddr := flag.String("listen", "127.0.0.1:4200", "address arbiters connect to")
	redisAddr := flag.String("redis-addr", "", "optional Redis address backing the session directory")
	auditDSN := flag.String("audit-dsn", "", "optional Postgres DSN for the session audit trail")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *configPath != "" {
		f, err := config.LoadDaemonFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dsm-daemon: %v\n", err)
			os.Exit(2)
		}
		if *listenAddr == "127.0.0.1:4200" {
			*listenAddr = f.ListenAddr
		}
		if *redisAddr == "" {
			*redisAddr = f.RedisAddr
		}
		if *auditDSN == "" {
			*auditDSN = f.AuditDSN
		}
	}

	if args := flag.Args(); len(args) == 1 {
		*listenAddr = args[0]
	}

	log := slog.Default()

	d, err := daemon.New(daemon.Config{
		ListenAddr: *listenAddr,
		RedisAddr:  *redisAddr,
		AuditDSN:   *auditDSN,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsm-daemon: %v\n", err)
		os.Exit(1)
	}

	log.Info("session daemon listening", "addr", *listenAddr)
	if err := d.Run(); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
