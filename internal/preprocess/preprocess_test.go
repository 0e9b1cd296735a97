package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlake/imutrack/internal/calibration"
	"github.com/ionlake/imutrack/internal/linalg"
)

func quatFromAxisAngle(axis linalg.Vec3, angle float64) linalg.Quat {
	axis = axis.Normalize()
	half := angle / 2
	s := math.Sin(half)
	return linalg.Quat{W: math.Cos(half), X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}
}

func TestRejectsUnknownSchemaVersion(t *testing.T) {
	_, err := Run(Recording{SchemaVersion: 2}, Options{})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

// S6 — three quaternion keyframes at 0/50/100ms, two position keyframes at
// 0/100ms, resampled at 100Hz: frame 5 (t=50ms) must land exactly on the
// middle quaternion and the position midpoint.
func TestResampleLandsExactlyOnMidpointKeyframe(t *testing.T) {
	qStart := linalg.QuatIdentity
	qMid := quatFromAxisAngle(linalg.Vec3{Y: 1}, math.Pi/2)
	qEnd := quatFromAxisAngle(linalg.Vec3{Y: 1}, math.Pi)

	rec := Recording{
		SchemaVersion: 1,
		DeviceName:    "test-device",
		Events: []RecordingEvent{
			{TMs: 0, Kind: EventData, Quaternion: &qStart, LinearAccel: &linalg.Vec3{}},
			{TMs: 50, Kind: EventData, Quaternion: &qMid},
			{TMs: 100, Kind: EventData, Quaternion: &qEnd, LinearAccel: &linalg.Vec3{}},
		},
	}

	replay, err := Run(rec, Options{FrameRate: 100})
	require.NoError(t, err)

	require.Greater(t, len(replay.Frames), 5)
	frame5 := replay.Frames[5]
	assert.Equal(t, int64(50), frame5.TMs)

	assert.InDelta(t, qMid.W, frame5.Quaternion.W, 1e-9)
	assert.InDelta(t, qMid.X, frame5.Quaternion.X, 1e-9)
	assert.InDelta(t, qMid.Y, frame5.Quaternion.Y, 1e-9)
	assert.InDelta(t, qMid.Z, frame5.Quaternion.Z, 1e-9)

	// Both position keyframes carry zero acceleration, so both sit at the
	// origin and so does their midpoint.
	assert.Equal(t, linalg.Vec3{}, frame5.Position)
}

// Invariant 8 — determinism: the same Recording always produces
// byte-identical Frames, since dt is always derived from recorded
// timestamps rather than a wall clock.
func TestRunIsDeterministic(t *testing.T) {
	q0 := linalg.QuatIdentity
	q1 := quatFromAxisAngle(linalg.Vec3{Z: 1}, 0.3)

	rec := Recording{
		SchemaVersion: 1,
		DeviceName:    "det-device",
		Events: []RecordingEvent{
			{TMs: 0, Kind: EventData, Quaternion: &q0, LinearAccel: &linalg.Vec3{X: 0.5}},
			{TMs: 16, Kind: EventData, LinearAccel: &linalg.Vec3{X: 0.4}},
			{TMs: 33, Kind: EventData, Quaternion: &q1, LinearAccel: &linalg.Vec3{X: 0.3}},
			{TMs: 50, Kind: EventData, LinearAccel: &linalg.Vec3{X: 0.2}, Magnetometer: &linalg.Vec3{Z: 1}},
			{TMs: 80, Kind: EventData, LinearAccel: &linalg.Vec3{X: 0.1}},
		},
	}

	r1, err := Run(rec, Options{FrameRate: 60})
	require.NoError(t, err)
	r2, err := Run(rec, Options{FrameRate: 60})
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
}

func TestEventsAreSortedBeforeReplay(t *testing.T) {
	q0 := linalg.QuatIdentity
	rec := Recording{
		SchemaVersion: 1,
		Events: []RecordingEvent{
			{TMs: 100, Kind: EventData, LinearAccel: &linalg.Vec3{X: 1}},
			{TMs: 0, Kind: EventData, Quaternion: &q0, LinearAccel: &linalg.Vec3{}},
			{TMs: 50, Kind: EventData, LinearAccel: &linalg.Vec3{X: 0.5}},
		},
	}

	replay, err := Run(rec, Options{FrameRate: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(100), replay.DurationMs)
}

func TestAccelerationIgnoredBeforeFirstOrientation(t *testing.T) {
	q0 := linalg.QuatIdentity
	rec := Recording{
		SchemaVersion: 1,
		Events: []RecordingEvent{
			{TMs: 0, Kind: EventData, LinearAccel: &linalg.Vec3{X: 5}},
			{TMs: 10, Kind: EventData, Quaternion: &q0},
		},
	}

	replay, err := Run(rec, Options{FrameRate: 100})
	require.NoError(t, err)
	for _, f := range replay.Frames {
		assert.Equal(t, linalg.Vec3{}, f.Position)
	}
}

func TestCalibrationAppliedToAccelNotMagnetometer(t *testing.T) {
	q0 := linalg.QuatIdentity
	cal := &calibration.CalibrationData{
		PosX: linalg.Vec3{Y: 1}, NegX: linalg.Vec3{Y: -1},
		PosY: linalg.Vec3{X: 1}, NegY: linalg.Vec3{X: -1},
		PosZ: linalg.Vec3{Z: 1}, NegZ: linalg.Vec3{Z: -1},
	}

	recWithCal := Recording{
		SchemaVersion: 1,
		Calibration:   cal,
		Events: []RecordingEvent{
			{TMs: 0, Kind: EventData, Quaternion: &q0, LinearAccel: &linalg.Vec3{X: 1}},
			{TMs: 10, Kind: EventData, LinearAccel: &linalg.Vec3{X: 1}},
			{TMs: 20, Kind: EventData, Magnetometer: &linalg.Vec3{X: 1}},
		},
	}
	recWithoutCal := recWithCal
	recWithoutCal.Calibration = nil

	withCal, err := Run(recWithCal, Options{FrameRate: 100})
	require.NoError(t, err)
	withoutCal, err := Run(recWithoutCal, Options{FrameRate: 100})
	require.NoError(t, err)

	// Calibration permutes X<->Y on acceleration only, so the replayed
	// position tracks must differ between the two runs.
	assert.NotEqual(t, withCal.Frames, withoutCal.Frames)
}

func TestEstimateDefaultDtFallsBackWithFewSamples(t *testing.T) {
	dt := estimateDefaultDt(nil)
	assert.InDelta(t, fallbackDt, dt, 1e-12)

	single := []RecordingEvent{{TMs: 0, LinearAccel: &linalg.Vec3{}}}
	dt = estimateDefaultDt(single)
	assert.InDelta(t, fallbackDt, dt, 1e-12)
}

func TestEstimateDefaultDtClampsOutOfRangeMean(t *testing.T) {
	wide := []RecordingEvent{
		{TMs: 0, LinearAccel: &linalg.Vec3{}},
		{TMs: 5000, LinearAccel: &linalg.Vec3{}},
	}
	dt := estimateDefaultDt(wide)
	assert.InDelta(t, fallbackDt, dt, 1e-12)
}

func TestEstimateDefaultDtAveragesLeadingSamples(t *testing.T) {
	events := []RecordingEvent{
		{TMs: 0, LinearAccel: &linalg.Vec3{}},
		{TMs: 10, LinearAccel: &linalg.Vec3{}},
		{TMs: 20, LinearAccel: &linalg.Vec3{}},
	}
	dt := estimateDefaultDt(events)
	assert.InDelta(t, 0.01, dt, 1e-12)
}
