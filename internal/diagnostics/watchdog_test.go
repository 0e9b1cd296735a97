package diagnostics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlake/imutrack/internal/ekf"
)

func TestScanRaisesNoAnomaliesOnFreshState(t *testing.T) {
	w := New(ekf.New(), DefaultConfig(), nil)
	w.scan()

	scans, anomalies := w.Stats()
	assert.EqualValues(t, 1, scans)
	assert.EqualValues(t, 0, anomalies)
}

func TestScanRaisesBlowupWhenCovarianceExceedsCeiling(t *testing.T) {
	state := ekf.New()
	cfg := Config{
		ScanInterval:          time.Millisecond,
		CovarianceCeiling:     1e-9,
		StationaryStuckFrames: 5,
		StationaryStuckFor:    time.Hour,
	}
	w := New(state, cfg, nil)
	w.scan()

	select {
	case a := <-w.Anomalies():
		assert.Equal(t, AnomalyCovarianceBlowup, a.Type)
	default:
		t.Fatal("expected an anomaly on the channel")
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	w := New(ekf.New(), Config{ScanInterval: time.Millisecond, CovarianceCeiling: 1e6, StationaryStuckFrames: 5, StationaryStuckFor: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
