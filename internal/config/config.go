// Package config loads the YAML file an arbiter or daemon process reads at
// startup, with environment variable overrides and a round of default
// filling — the same three-layer shape (file -> env overrides -> defaults)
// the teacher codebase uses for its server config.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/ocx/dsm/internal/dsmerr"
)

// ArbiterFile is the optional -config file for cmd/dsm-arbiter. Every
// field here also has a CLI flag and an env override; the file exists so a
// deployment can check a known-good configuration into version control
// instead of reconstructing flags.
type ArbiterFile struct {
	NProc       uint   `yaml:"nproc"`
	GlobalNProc uint   `yaml:"global_nproc"`
	SIDName     string `yaml:"sid_name"`
	DaemonAddr  string `yaml:"daemon_addr"`
	DaemonPort  string `yaml:"daemon_port"`
	MapSize     int    `yaml:"map_size"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// DaemonFile is the optional config file for cmd/dsm-daemon.
type DaemonFile struct {
	ListenAddr string `yaml:"listen_addr"`
	RedisAddr  string `yaml:"redis_addr"`
	AuditDSN   string `yaml:"audit_dsn"`
}

// LoadArbiterFile reads and decodes an ArbiterFile, then applies
// DSM_ARBITER_-prefixed environment overrides.
func LoadArbiterFile(path string) (ArbiterFile, error) {
	var f ArbiterFile
	if err := decodeYAML(path, &f); err != nil {
		return f, err
	}
	f.SIDName = getEnv("DSM_ARBITER_SID_NAME", f.SIDName)
	f.DaemonAddr = getEnv("DSM_ARBITER_DAEMON_ADDR", f.DaemonAddr)
	f.DaemonPort = getEnv("DSM_ARBITER_DAEMON_PORT", f.DaemonPort)
	f.ListenAddr = getEnv("DSM_ARBITER_LISTEN_ADDR", f.ListenAddr)
	f.MetricsAddr = getEnv("DSM_ARBITER_METRICS_ADDR", f.MetricsAddr)
	f.LogLevel = getEnv("DSM_ARBITER_LOG_LEVEL", f.LogLevel)
	if v := getEnvUint("DSM_ARBITER_NPROC", 0); v > 0 {
		f.NProc = v
	}
	if v := getEnvUint("DSM_ARBITER_GLOBAL_NPROC", 0); v > 0 {
		f.GlobalNProc = v
	}
	if v := getEnvInt("DSM_ARBITER_MAP_SIZE", 0); v > 0 {
		f.MapSize = v
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
	return f, nil
}

// LoadDaemonFile reads and decodes a DaemonFile, then applies
// DSM_DAEMON_-prefixed environment overrides.
func LoadDaemonFile(path string) (DaemonFile, error) {
	var f DaemonFile
	if err := decodeYAML(path, &f); err != nil {
		return f, err
	}
	f.ListenAddr = getEnv("DSM_DAEMON_LISTEN_ADDR", f.ListenAddr)
	f.RedisAddr = getEnv("DSM_DAEMON_REDIS_ADDR", f.RedisAddr)
	f.AuditDSN = getEnv("DSM_DAEMON_AUDIT_DSN", f.AuditDSN)
	if f.ListenAddr == "" {
		f.ListenAddr = "127.0.0.1:4200"
	}
	return f, nil
}

func decodeYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open config %s: %v", dsmerr.ErrIO, path, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(out); err != nil {
		return fmt.Errorf("%w: decode config %s: %v", dsmerr.ErrArgument, path, err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint) uint {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(i)
		}
	}
	return defaultVal
}
