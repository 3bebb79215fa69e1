// Package config provides application configuration structures and helpers.
package config

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AgentConfig holds the configuration settings for the collector agent.
type AgentConfig struct {
	CollectDir             string   // Directory external processes write batches into
	CollectInterval        int      // Interval between collection cycles (in seconds)
	FileLimit              int      // Maximum events forwarded per cycle, negative for no cap
	RecordingEnabled       bool     // Whether collected events are forwarded at all
	SensitiveEventsEnabled bool     // Whether the Bluetooth pairing event is forwarded
	DisallowedCategories   []uint64 // Category hashes that are never forwarded
	Workers                int      // Files read in parallel per cycle
	Addr                   string   // Control server address, empty to disable
	UploadAddr             string   // Upstream address batches are posted to
	ClientTimeout          int      // Upload timeout (in seconds)
	Key                    string   // Key for hash generation
	TrustedSubnet          string   // CIDR allowed to call control endpoints
	TrustedProxies         []string // CIDRs of proxies whose X-Real-IP is honored
	LogLevel               string
	Logger                 *zap.SugaredLogger
}

func defaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		CollectDir:       "/var/lib/external-metrics/events",
		CollectInterval:  600,
		FileLimit:        -1,
		RecordingEnabled: true,
		Workers:          runtime.NumCPU(),
		Addr:             "localhost:8081",
		ClientTimeout:    10,
		LogLevel:         "info",
	}
}

// NewAgentConfig creates and returns a new AgentConfig by parsing flags,
// environment variables and the optional JSON file.
// Priority: flags > env > JSON > defaults.
func NewAgentConfig() (*AgentConfig, error) {
	cfg, err := parseAgentConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger
	return cfg, nil
}

func parseAgentConfig(fs *flag.FlagSet, args []string) (*AgentConfig, error) {
	cfg := defaultAgentConfig()

	var fDir, fAddr, fUpload, fKey, fSubnet, fProxies, fLevel, fDisallowed, fConf strFlag
	var fInterval, fLimit, fWorkers, fTimeout intFlag
	var fRecording, fSensitive boolFlag
	fs.Var(&fDir, "d", "collection directory")
	fs.Var(&fInterval, "i", "collection interval (seconds)")
	fs.Var(&fLimit, "l", "maximum events per cycle, negative for no cap")
	fs.Var(&fRecording, "recording", "forward collected events")
	fs.Var(&fSensitive, "sensitive-events", "forward the Bluetooth pairing event")
	fs.Var(&fDisallowed, "disallowed", "comma separated category hashes to drop")
	fs.Var(&fWorkers, "w", "files read in parallel")
	fs.Var(&fAddr, "a", "control server address, empty to disable")
	fs.Var(&fUpload, "u", "upload address (must include http(s)://)")
	fs.Var(&fTimeout, "t", "upload timeout (seconds)")
	fs.Var(&fKey, "k", "Hash key string")
	fs.Var(&fSubnet, "trusted-subnet", "CIDR allowed to call control endpoints")
	fs.Var(&fProxies, "trusted-proxies", "comma separated proxy CIDRs whose X-Real-IP is honored")
	fs.Var(&fLevel, "log-level", "log level")
	fs.Var(&fConf, "c", "Path to JSON config file")
	fs.Var(&fConf, "config", "Path to JSON config file (alias)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// JSON (lowest priority)
	if fConf.v == "" {
		fConf.v = os.Getenv("CONFIG")
	}
	if fConf.v != "" {
		js, err := loadAgentJSON(fConf.v)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		if err := js.apply(cfg); err != nil {
			return nil, fmt.Errorf("apply config file: %w", err)
		}
	}

	if err := readAgentEnvironment(cfg); err != nil {
		return nil, err
	}

	// flags win over everything
	if fDir.set {
		cfg.CollectDir = fDir.v
	}
	if fInterval.set {
		cfg.CollectInterval = fInterval.v
	}
	if fLimit.set {
		cfg.FileLimit = fLimit.v
	}
	if fRecording.set {
		cfg.RecordingEnabled = fRecording.v
	}
	if fSensitive.set {
		cfg.SensitiveEventsEnabled = fSensitive.v
	}
	if fDisallowed.set {
		ids, err := ParseUintList(fDisallowed.v)
		if err != nil {
			return nil, fmt.Errorf("flag -disallowed: %w", err)
		}
		cfg.DisallowedCategories = ids
	}
	if fWorkers.set {
		cfg.Workers = fWorkers.v
	}
	if fAddr.set {
		cfg.Addr = fAddr.v
	}
	if fUpload.set {
		cfg.UploadAddr = fUpload.v
	}
	if fTimeout.set {
		cfg.ClientTimeout = fTimeout.v
	}
	if fKey.set {
		cfg.Key = fKey.v
	}
	if fSubnet.set {
		cfg.TrustedSubnet = fSubnet.v
	}
	if fProxies.set {
		cfg.TrustedProxies = SplitList(fProxies.v)
	}
	if fLevel.set {
		cfg.LogLevel = fLevel.v
	}

	// normalize upload address
	if cfg.UploadAddr != "" && !strings.HasPrefix(cfg.UploadAddr, "http://") && !strings.HasPrefix(cfg.UploadAddr, "https://") {
		cfg.UploadAddr = "http://" + cfg.UploadAddr
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func readAgentEnvironment(cfg *AgentConfig) error {
	if dir := os.Getenv("COLLECT_DIR"); dir != "" {
		cfg.CollectDir = dir
	}

	if v := os.Getenv("COLLECT_INTERVAL"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COLLECT_INTERVAL env var: %w", err)
		}
		cfg.CollectInterval = i
	}

	if v := os.Getenv("FILE_LIMIT"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FILE_LIMIT env var: %w", err)
		}
		cfg.FileLimit = i
	}

	if v := os.Getenv("RECORDING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RECORDING_ENABLED env var: %w", err)
		}
		cfg.RecordingEnabled = b
	}

	if v := os.Getenv("SENSITIVE_EVENTS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid SENSITIVE_EVENTS_ENABLED env var: %w", err)
		}
		cfg.SensitiveEventsEnabled = b
	}

	if v := os.Getenv("DISALLOWED_CATEGORIES"); v != "" {
		ids, err := ParseUintList(v)
		if err != nil {
			return fmt.Errorf("invalid DISALLOWED_CATEGORIES env var: %w", err)
		}
		cfg.DisallowedCategories = ids
	}

	if v := os.Getenv("WORKERS"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKERS env var: %w", err)
		}
		cfg.Workers = i
	}

	if addr, ok := os.LookupEnv("ADDRESS"); ok {
		cfg.Addr = addr
	}

	if addr := os.Getenv("UPLOAD_ADDRESS"); addr != "" {
		cfg.UploadAddr = addr
	}

	if key := os.Getenv("KEY"); key != "" {
		cfg.Key = key
	}

	if subnet := os.Getenv("TRUSTED_SUBNET"); subnet != "" {
		cfg.TrustedSubnet = subnet
	}

	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		cfg.TrustedProxies = SplitList(proxies)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	return nil
}

// SplitList splits a comma separated list, dropping blank items.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseUintList parses a comma separated list of unsigned integers, such as
// category hashes or sequence ids.
func ParseUintList(s string) ([]uint64, error) {
	var ids []uint64
	for _, part := range SplitList(s) {
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NewLogger builds the production zap logger at the given level.
func NewLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(lvl)
	logCfg.OutputPaths = []string{"stdout"}
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}
