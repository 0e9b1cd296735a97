// imu-replay is the offline counterpart to imu-live: it reads a recorded
// event stream (schema-version-1 Recording JSON), runs it deterministically
// through the preprocessor, and writes a fixed-rate Replay JSON document.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ionlake/imutrack/internal/config"
	"github.com/ionlake/imutrack/internal/preprocess"
	"github.com/ionlake/imutrack/pkg/utils"
)

func main() {
	configFile := flag.String("config", "", "optional configuration file path")
	flag.Parse()

	cfg, err := config.LoadReplay(*configFile, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "imu-replay: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogLevel, "stdout")

	data, err := os.ReadFile(cfg.InputPath)
	if err != nil {
		logger.Fatalf("reading %s: %v", cfg.InputPath, err)
	}

	var rec preprocess.Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Fatalf("parsing recording: %v", err)
	}

	replay, err := preprocess.Run(rec, preprocess.Options{
		FrameRate:      cfg.FrameRate,
		SourceFileName: cfg.InputPath,
	})
	if err != nil {
		logger.Fatalf("preprocess: %v", err)
	}

	out, err := json.MarshalIndent(replay, "", "  ")
	if err != nil {
		logger.Fatalf("encoding replay: %v", err)
	}

	if cfg.OutputPath == "" {
		os.Stdout.Write(out)
		os.Stdout.Write([]byte("\n"))
		return
	}

	if err := os.WriteFile(cfg.OutputPath, out, 0o644); err != nil {
		logger.Fatalf("writing %s: %v", cfg.OutputPath, err)
	}

	logger.Infof("wrote %d frames (%d ms) to %s", len(replay.Frames), replay.DurationMs, cfg.OutputPath)
}
