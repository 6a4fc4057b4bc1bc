package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/user/companion-blue/frame"
)

// DeviceConfig configures the wearable side.
type DeviceConfig struct {
	Name            string `toml:"name"`
	ServiceUUID     string `toml:"service_uuid"`
	RxCharUUID      string `toml:"rx_char_uuid"`
	TxCharUUID      string `toml:"tx_char_uuid"`
	HistoryCapacity int    `toml:"history_capacity"`
	FrameLimit      int    `toml:"frame_limit"`
	HeartbeatSecs   int    `toml:"heartbeat_seconds"`
}

// AppConfig configures the companion app side.
type AppConfig struct {
	TargetName       string `toml:"target_name"`
	ServiceUUID      string `toml:"service_uuid"`
	RxCharUUID       string `toml:"rx_char_uuid"`
	TxCharUUID       string `toml:"tx_char_uuid"`
	BroadScanSecs    int    `toml:"broad_scan_seconds"`
	TargetedScanSecs int    `toml:"targeted_scan_seconds"`
	ScanMarginSecs   int    `toml:"scan_margin_seconds"`
	RequestedMTU     int    `toml:"requested_mtu"`
	FrameLimit       int    `toml:"frame_limit"`
	BridgeListenAddr string `toml:"bridge_listen_addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Config is the full simulator configuration.
type Config struct {
	Device DeviceConfig `toml:"device"`
	App    AppConfig    `toml:"app"`
	Log    LogConfig    `toml:"log"`
}

// Default returns the canonical firmware values.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Name:            frame.DeviceName,
			ServiceUUID:     frame.ServiceUUID,
			RxCharUUID:      frame.RxCharUUID,
			TxCharUUID:      frame.TxCharUUID,
			HistoryCapacity: 10,
			FrameLimit:      frame.AppFrameLimit,
			HeartbeatSecs:   5,
		},
		App: AppConfig{
			TargetName:       frame.DeviceName,
			ServiceUUID:      frame.ServiceUUID,
			RxCharUUID:       frame.RxCharUUID,
			TxCharUUID:       frame.TxCharUUID,
			BroadScanSecs:    8,
			TargetedScanSecs: 5,
			ScanMarginSecs:   2,
			RequestedMTU:     frame.TargetMTU,
			FrameLimit:       frame.AppFrameLimit,
		},
		Log: LogConfig{Level: "INFO"},
	}
}

// Load reads a TOML config file. Missing fields fall back to defaults;
// an empty path returns the defaults outright.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the protocol cannot run with.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Device.Name) == "" {
		return fmt.Errorf("device config missing name")
	}
	if strings.TrimSpace(cfg.Device.ServiceUUID) == "" {
		return fmt.Errorf("device config missing service_uuid")
	}
	if cfg.Device.HistoryCapacity <= 0 {
		return fmt.Errorf("device history_capacity must be positive")
	}
	if cfg.Device.FrameLimit <= 0 {
		return fmt.Errorf("device frame_limit must be positive")
	}
	if strings.TrimSpace(cfg.App.TargetName) == "" {
		return fmt.Errorf("app config missing target_name")
	}
	if cfg.App.RequestedMTU < 23 {
		return fmt.Errorf("app requested_mtu must be at least 23")
	}
	if cfg.App.FrameLimit <= 0 {
		return fmt.Errorf("app frame_limit must be positive")
	}
	if cfg.App.FrameLimit > cfg.App.RequestedMTU-3 {
		return fmt.Errorf("app frame_limit %d does not fit requested_mtu %d", cfg.App.FrameLimit, cfg.App.RequestedMTU)
	}
	if cfg.App.BroadScanSecs <= 0 || cfg.App.TargetedScanSecs <= 0 {
		return fmt.Errorf("scan phase durations must be positive")
	}
	return nil
}
