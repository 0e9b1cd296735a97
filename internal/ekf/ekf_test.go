package ekf

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlake/imutrack/internal/linalg"
)

func stepIdentityQuat() linalg.Quat { return linalg.QuatIdentity }

// S1 — pure rest: 50 samples of zero acceleration should leave position
// at the origin and drive velocity to zero via ZUPT after frame 5.
func TestPureRestConvergesToOrigin(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	for i := 0; i < 50; i++ {
		s.PredictWithDt(linalg.Vec3{}, q, 0.01)
	}
	pos := s.Position()
	assert.InDelta(t, 0, pos.X, 1e-9)
	assert.InDelta(t, 0, pos.Y, 1e-9)
	assert.InDelta(t, 0, pos.Z, 1e-9)

	vel := s.Velocity()
	assert.InDelta(t, 0, vel.Norm(), 1e-9)
}

// S2 — constant acceleration along X for 1 second at 100Hz.
func TestConstantAccelerationAlongX(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	for i := 0; i < 100; i++ {
		s.PredictWithDt(linalg.Vec3{X: 1}, q, 0.01)
	}
	pos := s.Position()
	assert.InDelta(t, 0.5, pos.X, 1e-6)
	assert.InDelta(t, 0, pos.Y, 1e-9)
	assert.InDelta(t, 0, pos.Z, 1e-9)
}

// S3 — gravity-compensated free motion with a 90-degree-about-Y rotated
// device frame: device-frame (0,0,1) for 1s at 100Hz should displace
// ~0.5m along world +X.
func TestRotatedFrameDisplacement(t *testing.T) {
	s := New()
	q := linalg.Quat{W: math.Cos(math.Pi / 4), Y: math.Sin(math.Pi / 4)}
	for i := 0; i < 100; i++ {
		s.PredictWithDt(linalg.Vec3{Z: 1}, q, 0.01)
	}
	pos := s.Position()
	assert.InDelta(t, 0.5, pos.X, 1e-6)
	assert.InDelta(t, 0, pos.Y, 1e-6)
}

// S5 — magnetometer heading drift rotates horizontal velocity by
// gain*deltaPsi.
func TestMagnetometerHeadingCorrection(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	// Seed an orientation and a nonzero horizontal velocity directly.
	s.PredictWithDt(linalg.Vec3{}, q, 0.01)
	s.x.SetVec(3, 1.0) // vx = 1
	s.x.SetVec(5, 0.0) // vz = 0

	// World-frame magnetometer vector with heading 0 (reference).
	ref := linalg.Vec3{X: 0, Y: 0, Z: 1}
	require.NoError(t, s.MagnetometerUpdate(ref))

	// A magnetometer reading whose world heading is +0.2 rad from the
	// reference: psi = atan2(x,z) = 0.2 => x = sin(0.2), z = cos(0.2).
	drifted := linalg.Vec3{X: math.Sin(0.2), Y: 0, Z: math.Cos(0.2)}
	require.NoError(t, s.MagnetometerUpdate(drifted))

	alpha := HeadingCorrectionGain * 0.2
	wantVx := math.Cos(alpha)
	wantVz := math.Sin(alpha)

	assert.InDelta(t, wantVx, s.x.AtVec(3), 1e-9)
	assert.InDelta(t, wantVz, s.x.AtVec(5), 1e-9)
}

func TestMagnetometerUpdateNoOpBelowSpeedThreshold(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	s.PredictWithDt(linalg.Vec3{}, q, 0.01)

	require.NoError(t, s.MagnetometerUpdate(linalg.Vec3{Z: 1}))
	require.NoError(t, s.MagnetometerUpdate(linalg.Vec3{X: math.Sin(0.5), Z: math.Cos(0.5)}))

	assert.Equal(t, 0.0, s.x.AtVec(3))
	assert.Equal(t, 0.0, s.x.AtVec(5))
}

func TestMagnetometerUpdateRequiresOrientation(t *testing.T) {
	s := New()
	err := s.MagnetometerUpdate(linalg.Vec3{Z: 1})
	assert.ErrorIs(t, err, ErrOrientationAbsent)
}

func TestNonMonotonicDtSkipsPredictButHoldsPosition(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	s.PredictWithDt(linalg.Vec3{X: 1}, q, 0.01)
	before := s.Position()

	after := s.PredictWithDt(linalg.Vec3{X: 1}, q, 0)
	assert.Equal(t, before, after)

	after2 := s.PredictWithDt(linalg.Vec3{X: 1}, q, 1.5)
	assert.Equal(t, before, after2)
}

func TestPredictWallClockRespectsMaxDt(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	now := time.Now()
	s.Predict(linalg.Vec3{X: 1}, q, now)
	pos := s.Position()
	assert.Equal(t, 0.0, pos.X) // first call always establishes lastUpdate

	later := now.Add(2 * time.Second)
	after := s.Predict(linalg.Vec3{X: 1}, q, later)
	assert.Equal(t, pos, after) // dt > MaxDt, skipped
}

func TestZUPTDrivesVelocityDownSharply(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	// Build up some velocity, then hold still.
	for i := 0; i < 10; i++ {
		s.PredictWithDt(linalg.Vec3{X: 2}, q, 0.01)
	}
	preZupt := s.Velocity().Norm()
	require.Greater(t, preZupt, 0.0)

	for i := 0; i < ZuptFramesRequired; i++ {
		s.PredictWithDt(linalg.Vec3{}, q, 0.01)
	}

	postZupt := s.Velocity().Norm()
	assert.Less(t, postZupt, preZupt*0.01)
}

func TestCovarianceDiagonalStaysNonNegative(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	for i := 0; i < 200; i++ {
		a := linalg.Vec3{X: math.Sin(float64(i) * 0.1), Y: 0.1, Z: 0.05}
		s.PredictWithDt(a, q, 0.01)
		if i%7 == 0 {
			_ = s.MagnetometerUpdate(linalg.Vec3{X: 0.1, Y: 0, Z: 1})
		}
		for _, d := range s.CovarianceDiagonal() {
			require.GreaterOrEqual(t, d, -1e-6)
		}
	}
}

func TestResetMatchesFreshState(t *testing.T) {
	s := New()
	q := stepIdentityQuat()
	for i := 0; i < 20; i++ {
		s.PredictWithDt(linalg.Vec3{X: 1, Y: 2, Z: 3}, q, 0.01)
	}
	_ = s.MagnetometerUpdate(linalg.Vec3{X: 1, Z: 1})

	s.Reset()
	fresh := New()

	assert.Equal(t, fresh.Position(), s.Position())
	assert.Equal(t, fresh.Velocity(), s.Velocity())
	assert.Equal(t, fresh.Bias(), s.Bias())
	assert.Equal(t, fresh.CovarianceDiagonal(), s.CovarianceDiagonal())
	assert.Equal(t, fresh.hasOrientation, s.hasOrientation)
	assert.Equal(t, fresh.hasRefHeading, s.hasRefHeading)
	assert.Equal(t, fresh.stationaryCount, s.stationaryCount)
}

func TestZUPTWithZeroVelocityCovarianceIsNotSingular(t *testing.T) {
	s := New()
	// A zeroed velocity covariance block isn't reachable through the
	// public API with realistic inputs, so this sets it directly at the
	// package level.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s.p.Set(3+i, 3+j, 0)
		}
	}
	// R is nonzero (1e-3) so S = 0 + R*I is never singular in practice;
	// this documents that zeroVelocityUpdate only errors when the 3x3
	// block plus R*I has |det| < 1e-10, which healthy covariances never
	// hit.
	err := s.zeroVelocityUpdate()
	assert.NoError(t, err)
}
