// Package config loads runtime configuration for the imu-live and
// imu-replay binaries: a YAML file (decoded with gopkg.in/yaml.v3, the
// same decoder the example pack's EasyRobot marshaller package wraps)
// overridden by command-line flags, following the reference service's
// cmd/valkyrie/main.go pattern of flag.* package-level defaults.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Live configures cmd/imu-live.
type Live struct {
	HTTPPort       int    `yaml:"httpPort"`
	DeviceName     string `yaml:"deviceName"`
	SerialPort     string `yaml:"serialPort"`
	SerialBaud     int    `yaml:"serialBaud"`
	CalibrationDir string `yaml:"calibrationDir"`
	RemoteStoreURL string `yaml:"remoteStoreURL"`
	RemoteStoreKey string `yaml:"remoteStoreKey"`
	JWTSigningKey  string `yaml:"jwtSigningKey"`
	LogLevel       string `yaml:"logLevel"`
}

// DefaultLive returns the baseline Live configuration, overridden by any
// YAML file and then by flags in LoadLive.
func DefaultLive() Live {
	return Live{
		HTTPPort:       8093,
		DeviceName:     "imu-device",
		SerialPort:     "/dev/ttyACM0",
		SerialBaud:     115200,
		CalibrationDir: "./calibration-data",
		LogLevel:       "info",
	}
}

// LoadLive reads a YAML file at path (if non-empty and present), then
// applies flag.CommandLine overrides parsed from args. A missing file is
// not an error — defaults stand in its place, matching the reference
// service's tolerance for a missing configs/config.yaml.
func LoadLive(path string, args []string) (Live, error) {
	cfg := DefaultLive()

	if path != "" {
		if err := mergeYAMLFile(path, &cfg); err != nil {
			return Live{}, err
		}
	}

	fs := flag.NewFlagSet("imu-live", flag.ContinueOnError)
	httpPort := fs.Int("http-port", cfg.HTTPPort, "HTTP API port")
	deviceName := fs.String("device-name", cfg.DeviceName, "device identifier")
	serialPort := fs.String("serial-port", cfg.SerialPort, "serial port for the IMU sensor")
	serialBaud := fs.Int("serial-baud", cfg.SerialBaud, "serial baud rate")
	calibrationDir := fs.String("calibration-dir", cfg.CalibrationDir, "directory for file-backed calibration storage")
	remoteStoreURL := fs.String("remote-store-url", cfg.RemoteStoreURL, "remote calibration store base URL, empty disables it")
	remoteStoreKey := fs.String("remote-store-key", cfg.RemoteStoreKey, "remote calibration store API key")
	jwtSigningKey := fs.String("jwt-signing-key", cfg.JWTSigningKey, "HMAC signing key for API bearer tokens")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Live{}, err
	}

	cfg.HTTPPort = *httpPort
	cfg.DeviceName = *deviceName
	cfg.SerialPort = *serialPort
	cfg.SerialBaud = *serialBaud
	cfg.CalibrationDir = *calibrationDir
	cfg.RemoteStoreURL = *remoteStoreURL
	cfg.RemoteStoreKey = *remoteStoreKey
	cfg.JWTSigningKey = *jwtSigningKey
	cfg.LogLevel = *logLevel

	return cfg, nil
}

// Replay configures cmd/imu-replay.
type Replay struct {
	InputPath  string  `yaml:"inputPath"`
	OutputPath string  `yaml:"outputPath"`
	FrameRate  float64 `yaml:"frameRate"`
	LogLevel   string  `yaml:"logLevel"`
}

// DefaultReplay returns the baseline Replay configuration.
func DefaultReplay() Replay {
	return Replay{FrameRate: 60, LogLevel: "info"}
}

// LoadReplay mirrors LoadLive for the offline preprocessor binary.
func LoadReplay(path string, args []string) (Replay, error) {
	cfg := DefaultReplay()

	if path != "" {
		if err := mergeYAMLFile(path, &cfg); err != nil {
			return Replay{}, err
		}
	}

	fs := flag.NewFlagSet("imu-replay", flag.ContinueOnError)
	input := fs.String("input", cfg.InputPath, "recording JSON file to replay")
	output := fs.String("output", cfg.OutputPath, "replay JSON file to write")
	frameRate := fs.Float64("frame-rate", cfg.FrameRate, "output frame rate in Hz")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return Replay{}, err
	}

	cfg.InputPath = *input
	cfg.OutputPath = *output
	cfg.FrameRate = *frameRate
	cfg.LogLevel = *logLevel

	if cfg.InputPath == "" {
		return Replay{}, fmt.Errorf("config: -input is required")
	}

	return cfg, nil
}

func mergeYAMLFile(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}
