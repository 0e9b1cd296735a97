// Package diagnostics periodically inspects a live pose estimator for
// signs of divergence — covariance blow-up, a negative covariance
// diagonal, a stuck stationary counter — and reports them as Anomalies. Adapted from the reference service's shadow-stack process
// monitor (internal/security): the same scan-on-interval /
// threshold-triggers-an-alert / buffered-anomaly-channel shape, with the
// expected-vs-actual behavior comparison replaced by EKF health checks.
package diagnostics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ionlake/imutrack/internal/ekf"
)

// AnomalyType categorizes what a scan found wrong.
type AnomalyType int

const (
	AnomalyCovarianceBlowup AnomalyType = iota
	AnomalyCovarianceNegative
	AnomalyStationaryStuck
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyCovarianceBlowup:
		return "covariance blowup"
	case AnomalyCovarianceNegative:
		return "negative covariance diagonal"
	case AnomalyStationaryStuck:
		return "stationary counter stuck"
	default:
		return "unknown"
	}
}

// Anomaly is one detected deviation from expected filter health.
type Anomaly struct {
	Timestamp time.Time
	Type      AnomalyType
	Detail    string
}

// Config tunes the watchdog's thresholds.
type Config struct {
	// ScanInterval is how often the estimator is inspected.
	ScanInterval time.Duration
	// CovarianceCeiling flags any diagonal entry exceeding it as a
	// blowup — an unbounded P usually means the filter has lost track.
	CovarianceCeiling float64
	// StationaryStuckFrames flags a stationary counter that has sat at
	// or above this value for StationaryStuckFor without a single
	// intervening reset — the device is reporting motion too uniformly
	// to be plausible, usually a dead sensor rather than true rest.
	StationaryStuckFrames int
	StationaryStuckFor    time.Duration
}

// DefaultConfig returns reasonable defaults for a 9-state filter tuned per
// the package default constants.
func DefaultConfig() Config {
	return Config{
		ScanInterval:          500 * time.Millisecond,
		CovarianceCeiling:     1e6,
		StationaryStuckFrames: 5,
		StationaryStuckFor:    30 * time.Second,
	}
}

// Watchdog polls a *ekf.State and reports Anomalies.
type Watchdog struct {
	mu sync.RWMutex

	state    *ekf.State
	config   Config
	logger   *logrus.Logger
	anomalies chan *Anomaly

	stationarySince time.Time
	hasStationarySince bool

	scansCompleted  uint64
	anomaliesFound  uint64
}

// New constructs a Watchdog over state. logger may be nil.
func New(state *ekf.State, config Config, logger *logrus.Logger) *Watchdog {
	if config.ScanInterval == 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Watchdog{
		state:     state,
		config:    config,
		logger:    logger,
		anomalies: make(chan *Anomaly, 100),
	}
}

// Anomalies returns the channel anomalies are published on.
func (w *Watchdog) Anomalies() <-chan *Anomaly { return w.anomalies }

// Run scans state on config.ScanInterval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("diagnostics watchdog starting")
	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("diagnostics watchdog stopping")
			return ctx.Err()
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watchdog) scan() {
	w.mu.Lock()
	defer w.mu.Unlock()

	diag := w.state.CovarianceDiagonal()
	for i, v := range diag {
		if v < 0 {
			w.raise(AnomalyCovarianceNegative, fmt.Sprintf("P[%d][%d] = %g", i, i, v))
			continue
		}
		if v > w.config.CovarianceCeiling {
			w.raise(AnomalyCovarianceBlowup, fmt.Sprintf("P[%d][%d] = %g exceeds ceiling %g", i, i, v, w.config.CovarianceCeiling))
		}
	}

	if w.state.StationaryCount() >= w.config.StationaryStuckFrames {
		if !w.hasStationarySince {
			w.stationarySince = time.Now()
			w.hasStationarySince = true
		} else if time.Since(w.stationarySince) > w.config.StationaryStuckFor {
			w.raise(AnomalyStationaryStuck, fmt.Sprintf("stationary for over %s", w.config.StationaryStuckFor))
		}
	} else {
		w.hasStationarySince = false
	}

	w.scansCompleted++
}

func (w *Watchdog) raise(kind AnomalyType, detail string) {
	anomaly := &Anomaly{Timestamp: time.Now(), Type: kind, Detail: detail}
	select {
	case w.anomalies <- anomaly:
		w.anomaliesFound++
		w.logger.WithFields(logrus.Fields{
			"type":   kind.String(),
			"detail": detail,
		}).Warn("estimator anomaly detected")
	default:
		w.logger.Warn("anomaly buffer full, dropping anomaly")
	}
}

// Stats reports lifetime scan and anomaly counts.
func (w *Watchdog) Stats() (scans, anomalies uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scansCompleted, w.anomaliesFound
}
