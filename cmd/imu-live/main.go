// imu-live runs the 9-DOF pose estimator against a live serial-attached
// IMU: it reads framed sensor packets, feeds them through the EKF and the
// calibration transformer, broadcasts resulting poses over a WebSocket,
// and exposes calibration control and state snapshots over HTTP.
//
// Structure follows the reference service's cmd/valkyrie/main.go: a
// top-level struct aggregating every subsystem, an Initialize/Start/
// Shutdown lifecycle, and signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ionlake/imutrack/internal/api"
	"github.com/ionlake/imutrack/internal/calibration"
	"github.com/ionlake/imutrack/internal/config"
	"github.com/ionlake/imutrack/internal/diagnostics"
	"github.com/ionlake/imutrack/internal/ekf"
	"github.com/ionlake/imutrack/internal/posefeed"
	"github.com/ionlake/imutrack/internal/sensorio"
	"github.com/ionlake/imutrack/pkg/utils"
)

var version = "1.0.0"

// application aggregates every live subsystem.
type application struct {
	cfg         config.Live
	logger      *logrus.Logger
	state       *ekf.State
	transformer *calibration.Transformer
	streamer    *posefeed.Streamer
	watchdog    *diagnostics.Watchdog
	reader      *sensorio.Reader
	httpServer  *http.Server

	mu      sync.RWMutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	configFile := flag.String("config", "configs/imu-live.yaml", "configuration file path")
	flag.Parse()

	cfg, err := config.LoadLive(*configFile, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "imu-live: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogLevel, "stdout")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &application{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.Initialize(); err != nil {
		logger.Fatalf("initialize: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.Fatalf("start: %v", err)
	}

	logger.Info("imu-live operational, press Ctrl+C to shut down")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping gracefully")
	if err := app.Shutdown(); err != nil {
		logger.Warnf("shutdown error: %v", err)
	}
	logger.Info("imu-live shutdown complete")
}

// Initialize constructs every subsystem behind the application struct.
func (a *application) Initialize() error {
	a.logger.Info("initializing pose estimator")
	a.state = ekf.New()

	store, err := a.calibrationStore()
	if err != nil {
		return fmt.Errorf("calibration store: %w", err)
	}
	a.transformer = calibration.NewTransformer(store, a.cfg.DeviceName)
	if cal, ok := calibration.LoadCalibration(store); ok {
		a.transformer.SeedCalibration(cal)
		a.logger.Info("seeded calibration from persisted store")
	}

	a.streamer = posefeed.NewStreamer(a.logger)
	a.watchdog = diagnostics.New(a.state, diagnostics.DefaultConfig(), a.logger)

	reader, err := sensorio.Open(a.cfg.SerialPort, a.cfg.SerialBaud)
	if err != nil {
		a.logger.Warnf("serial sensor unavailable (%v), running without live frames", err)
	} else {
		a.reader = reader
	}

	server := api.NewServer(a.state, a.transformer, a.streamer, a.cfg.JWTSigningKey, a.logger, version)
	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: server.Handler(),
	}

	return nil
}

// calibrationStore picks a RemoteStore when a URL is configured, else a
// FileStore rooted at cfg.CalibrationDir.
func (a *application) calibrationStore() (calibration.Store, error) {
	if a.cfg.RemoteStoreURL != "" {
		a.logger.Infof("using remote calibration store at %s", a.cfg.RemoteStoreURL)
		return calibration.NewRemoteStore(a.cfg.RemoteStoreURL, a.cfg.RemoteStoreKey), nil
	}
	a.logger.Infof("using file calibration store at %s", a.cfg.CalibrationDir)
	return calibration.NewFileStore(a.cfg.CalibrationDir)
}

// Start launches every background loop and the HTTP listener.
func (a *application) Start() error {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.streamer.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Warnf("pose streamer stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.watchdog.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Warnf("watchdog stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case anomaly := <-a.watchdog.Anomalies():
				a.logger.WithField("detail", anomaly.Detail).Warnf("estimator anomaly: %s", anomaly.Type)
			case <-a.ctx.Done():
				return
			}
		}
	}()

	if a.reader != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sensorLoop()
		}()
	}

	go func() {
		a.logger.Infof("HTTP API listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	return nil
}

// sensorLoop reads frames from the serial IMU, runs them through the EKF
// and the calibration transformer, and broadcasts the resulting pose.
func (a *application) sensorLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		frame, err := a.reader.ReadFrame(500 * time.Millisecond)
		if err != nil {
			continue
		}

		if a.transformer.State() != calibration.StepIdle && a.transformer.State() != calibration.StepComplete {
			a.transformer.AddSample(frame.Accel)
			continue
		}

		accel := frame.Accel
		if a.transformer.HasCalibration() {
			cal := a.transformer.Calibration()
			accel = calibration.Transform(&cal, frame.Accel)
		}

		a.state.Predict(accel, frame.Quaternion, time.Now())

		if frame.HasMag {
			_ = a.state.MagnetometerUpdate(frame.Magnetometer)
		}

		a.streamer.Broadcast(&posefeed.PoseMessage{
			Timestamp:  time.Now(),
			DeviceName: a.cfg.DeviceName,
			Position:   a.state.Position(),
			Velocity:   a.state.Velocity(),
			Bias:       a.state.Bias(),
			Stationary: a.state.StationaryCount() > 0,
		})
	}
}

// Shutdown stops the HTTP server and background loops.
func (a *application) Shutdown() error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnf("HTTP shutdown error: %v", err)
	}

	if a.reader != nil {
		a.reader.Close()
	}

	a.cancel()
	return nil
}
