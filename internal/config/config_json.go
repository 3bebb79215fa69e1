package config

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
)

type agentJSON struct {
	CollectDir             *string  `json:"collect_dir"`
	CollectInterval        *string  `json:"collect_interval"` // "10m"
	FileLimit              *int     `json:"file_limit"`
	RecordingEnabled       *bool    `json:"recording_enabled"`
	SensitiveEventsEnabled *bool    `json:"sensitive_events_enabled"`
	DisallowedCategories   []uint64 `json:"disallowed_categories"`
	Workers                *int     `json:"workers"`
	Address                *string  `json:"address"`
	UploadAddress          *string  `json:"upload_address"`
	TrustedSubnet          *string  `json:"trusted_subnet"`
	TrustedProxies         []string `json:"trusted_proxies"`
	LogLevel               *string  `json:"log_level"`
}

func loadAgentJSON(path string) (*agentJSON, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c agentJSON
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (js *agentJSON) apply(cfg *AgentConfig) error {
	if js.CollectDir != nil {
		cfg.CollectDir = *js.CollectDir
	}
	if js.CollectInterval != nil {
		sec, err := parseDurationSeconds(*js.CollectInterval)
		if err != nil {
			return fmt.Errorf("collect_interval: %w", err)
		}
		cfg.CollectInterval = sec
	}
	if js.FileLimit != nil {
		cfg.FileLimit = *js.FileLimit
	}
	if js.RecordingEnabled != nil {
		cfg.RecordingEnabled = *js.RecordingEnabled
	}
	if js.SensitiveEventsEnabled != nil {
		cfg.SensitiveEventsEnabled = *js.SensitiveEventsEnabled
	}
	if js.DisallowedCategories != nil {
		cfg.DisallowedCategories = js.DisallowedCategories
	}
	if js.Workers != nil {
		cfg.Workers = *js.Workers
	}
	if js.Address != nil {
		cfg.Addr = *js.Address
	}
	if js.UploadAddress != nil {
		cfg.UploadAddr = *js.UploadAddress
	}
	if js.TrustedSubnet != nil {
		cfg.TrustedSubnet = *js.TrustedSubnet
	}
	if js.TrustedProxies != nil {
		cfg.TrustedProxies = js.TrustedProxies
	}
	if js.LogLevel != nil {
		cfg.LogLevel = *js.LogLevel
	}
	return nil
}

func parseDurationSeconds(s string) (int, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}
