// Package ekf implements the nine-state Extended Kalman Filter that
// double-integrates gravity-compensated acceleration, rotated into the
// world frame by an externally supplied orientation, into position,
// velocity, and accelerometer bias. It applies Zero-Velocity Updates when
// the device is detected stationary and an ad-hoc magnetometer heading
// correction to bound horizontal velocity drift.
//
// Orientation is exogenous: this package never estimates it, only
// consumes it, which is what keeps the Jacobian sparse and the state
// dimension at nine instead of the usual error-state fifteen or sixteen.
package ekf

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/ionlake/imutrack/internal/linalg"
)

// MaxDt bounds how large a prediction interval can be before it is
// treated as a clock jump (tab suspend, device sleep) and skipped.
const MaxDt = 1.0 // seconds

// ZUPT tuning, per spec.
const (
	ZuptAccelThreshold = 0.3  // m/s^2
	ZuptFramesRequired = 5    // consecutive low-accel samples
	ZuptVelocityNoise  = 1e-3 // scalar R
)

// Magnetometer heading correction tuning, per spec.
const (
	HeadingCorrectionGain        = 0.05
	MinHorizontalSpeedForHeading = 0.1 // m/s
)

// Errors surfaced by the estimator. None of them are panics: every
// numeric failure mode is recovered locally: the failing step leaves the
// state unchanged.
var (
	ErrSingularMatrix   = errors.New("ekf: zupt innovation covariance is singular")
	ErrOrientationAbsent = errors.New("ekf: no prior orientation to rotate magnetometer reading into")
)

var qDiag = [9]float64{1e-3, 1e-3, 1e-3, 1e-1, 1e-1, 1e-1, 1e-4, 1e-4, 1e-4}
var p0Diag = [9]float64{1e-1, 1e-1, 1e-1, 1e-2, 1e-2, 1e-2, 1e-2, 1e-2, 1e-2}

// State is a single EKF instance: a 9-vector [px py pz vx vy vz bx by bz]
// and its 9x9 covariance. It is not safe for concurrent use — per the
// system's concurrency model, one logical task (live callback loop, or
// the offline preprocessor) owns a State exclusively.
type State struct {
	x *mat.VecDense // 9x1
	p *mat.Dense    // 9x9; kept as a general Dense, not SymDense, because
	// the ZUPT update's asymmetric formula (see zeroVelocityUpdate) can
	// leave P numerically asymmetric, and the spec preserves that rather
	// than forcing symmetry back in.

	lastOrientation linalg.Quat
	hasOrientation  bool

	lastUpdate time.Time

	stationaryCount int

	refHeading    float64
	hasRefHeading bool
}

// New constructs a State at the origin with nominal covariance.
func New() *State {
	s := &State{
		x: mat.NewVecDense(9, nil),
		p: mat.NewDense(9, 9, nil),
	}
	s.Reset()
	return s
}

// Reset re-initializes the filter to zero state and nominal covariance,
// and clears orientation, stationary-counter, and reference-heading
// memory. It does not touch lastUpdate's "freshly constructed" semantics
// beyond zeroing it — a caller comparing Reset() output to New() output
// should expect bit-identical state modulo wall-clock fields.
func (s *State) Reset() {
	for i := 0; i < 9; i++ {
		s.x.SetVec(i, 0)
	}
	s.p = mat.NewDense(9, 9, nil)
	for i := 0; i < 9; i++ {
		s.p.Set(i, i, p0Diag[i])
	}
	s.lastOrientation = linalg.Quat{}
	s.hasOrientation = false
	s.lastUpdate = time.Time{}
	s.stationaryCount = 0
	s.refHeading = 0
	s.hasRefHeading = false
}

// Position returns the current position estimate.
func (s *State) Position() linalg.Vec3 {
	return linalg.Vec3{X: s.x.AtVec(0), Y: s.x.AtVec(1), Z: s.x.AtVec(2)}
}

// Velocity returns the current velocity estimate.
func (s *State) Velocity() linalg.Vec3 {
	return linalg.Vec3{X: s.x.AtVec(3), Y: s.x.AtVec(4), Z: s.x.AtVec(5)}
}

// Bias returns the current accelerometer bias estimate, expressed in the
// world frame.
func (s *State) Bias() linalg.Vec3 {
	return linalg.Vec3{X: s.x.AtVec(6), Y: s.x.AtVec(7), Z: s.x.AtVec(8)}
}

// CovarianceDiagonal returns the nine diagonal entries of P.
func (s *State) CovarianceDiagonal() [9]float64 {
	var d [9]float64
	for i := 0; i < 9; i++ {
		d[i] = s.p.At(i, i)
	}
	return d
}

// StationaryCount returns the current consecutive-low-acceleration
// counter, mostly useful for tests and diagnostics.
func (s *State) StationaryCount() int { return s.stationaryCount }

// Predict advances the filter using a wall-clock-derived dt: now minus the
// timestamp of the last successful or attempted predict. A non-positive
// or larger-than-MaxDt interval (tab suspend, clock jump) skips the
// integration step entirely but still advances lastUpdate, so a
// subsequent call measures from "now" rather than compounding the gap.
func (s *State) Predict(a linalg.Vec3, q linalg.Quat, now time.Time) linalg.Vec3 {
	dt := now.Sub(s.lastUpdate).Seconds()
	s.lastUpdate = now

	if dt <= 0 || dt > MaxDt {
		return s.Position()
	}

	s.predictCore(a, q, dt)
	return s.Position()
}

// PredictWithDt is the deterministic twin of Predict: dt is supplied by
// the caller (the offline preprocessor, replaying recorded timestamps)
// instead of derived from a monotonic clock. The same dt bounds apply.
func (s *State) PredictWithDt(a linalg.Vec3, q linalg.Quat, dt float64) linalg.Vec3 {
	if dt <= 0 || dt > MaxDt {
		return s.Position()
	}
	s.predictCore(a, q, dt)
	return s.Position()
}

// predictCore performs steps 2-8 of the predict contract: record
// orientation, rotate+debias acceleration, integrate, propagate
// covariance, and run zero-velocity detection. Callers have already
// validated dt.
func (s *State) predictCore(a linalg.Vec3, q linalg.Quat, dt float64) {
	s.lastOrientation = q
	s.hasOrientation = true

	bias := s.Bias()
	worldAccel := linalg.QuatRotate(a, q).Sub(bias)

	pos := s.Position()
	vel := s.Velocity()

	halfDt2 := 0.5 * dt * dt
	newPos := pos.Add(vel.Scale(dt)).Add(worldAccel.Scale(halfDt2))
	newVel := vel.Add(worldAccel.Scale(dt))

	s.x.SetVec(0, newPos.X)
	s.x.SetVec(1, newPos.Y)
	s.x.SetVec(2, newPos.Z)
	s.x.SetVec(3, newVel.X)
	s.x.SetVec(4, newVel.Y)
	s.x.SetVec(5, newVel.Z)
	// bias (indices 6..8) is a random walk with no deterministic term.

	F := stateTransition(dt)

	var fp mat.Dense
	fp.Mul(F, s.p)
	var fpft mat.Dense
	fpft.Mul(&fp, F.T())

	for i := 0; i < 9; i++ {
		fpft.Set(i, i, fpft.At(i, i)+dt*qDiag[i])
	}
	s.p = &fpft

	// Stationary detection runs on raw, device-frame acceleration — the
	// device can be motionless while the world-frame vector still has a
	// gravity-aligned component baked into bias, so this must not use
	// worldAccel.
	if a.Norm() < ZuptAccelThreshold {
		s.stationaryCount++
	} else {
		s.stationaryCount = 0
	}

	if s.stationaryCount >= ZuptFramesRequired {
		// Errors are recoverable-by-construction: a singular S just
		// means skip this update and let the next sample try again.
		_ = s.zeroVelocityUpdate()
	}
}

// stateTransition builds the 9x9 Jacobian F for interval dt.
func stateTransition(dt float64) *mat.Dense {
	f := mat.NewDense(9, 9, nil)
	for i := 0; i < 9; i++ {
		f.Set(i, i, 1)
	}
	halfDt2 := 0.5 * dt * dt
	for i := 0; i < 3; i++ {
		f.Set(i, i+3, dt)
		f.Set(i, i+6, -halfDt2)
		f.Set(i+3, i+6, -dt)
	}
	return f
}

// zeroVelocityUpdate applies the zero-velocity measurement (z=0 on
// velocity) described in spec.md 4.3. It mutates x and P in place and
// returns ErrSingularMatrix, leaving state untouched, if the 3x3
// innovation covariance can't be inverted.
func (s *State) zeroVelocityUpdate() error {
	var pvv linalg.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pvv[i][j] = s.p.At(3+i, 3+j)
		}
	}
	var sInnov linalg.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sInnov[i][j] = pvv[i][j]
		}
		sInnov[i][i] += ZuptVelocityNoise
	}

	sInv, ok := linalg.Mat3Invert(sInnov)
	if !ok {
		return ErrSingularMatrix
	}

	// K is 9x3: K[i] = P[i, 3:6] * Sinv
	K := mat.NewDense(9, 3, nil)
	for i := 0; i < 9; i++ {
		row := [3]float64{s.p.At(i, 3), s.p.At(i, 4), s.p.At(i, 5)}
		for j := 0; j < 3; j++ {
			K.Set(i, j, row[0]*sInv[0][j]+row[1]*sInv[1][j]+row[2]*sInv[2][j])
		}
	}

	v := [3]float64{s.x.AtVec(3), s.x.AtVec(4), s.x.AtVec(5)}
	for i := 0; i < 9; i++ {
		correction := K.At(i, 0)*v[0] + K.At(i, 1)*v[1] + K.At(i, 2)*v[2]
		s.x.SetVec(i, s.x.AtVec(i)-correction)
	}

	// P <- P - K * P[3:6, 0:9]. This is deliberately not the Joseph form:
	// the spec preserves the reference implementation's asymmetric
	// update rather than enforcing symmetry (see package doc and
	// spec.md open questions).
	pRows := mat.NewDense(3, 9, nil)
	for j := 0; j < 9; j++ {
		pRows.Set(0, j, s.p.At(3, j))
		pRows.Set(1, j, s.p.At(4, j))
		pRows.Set(2, j, s.p.At(5, j))
	}
	var kpRows mat.Dense
	kpRows.Mul(K, pRows)

	var newP mat.Dense
	newP.Sub(s.p, &kpRows)
	s.p = &newP

	return nil
}

// MagnetometerUpdate rotates a magnetometer reading into the world frame
// using the last-seen orientation and applies a heuristic heading
// correction to horizontal velocity. It is not a true Kalman observation:
// position and covariance are untouched, matching spec.md's note that
// this step mutates velocity without adjusting uncertainty. The world
// frame convention is X=east, Z=north, Y=up; atan2(x, z) assumes that
// convention and must not be "fixed" to a different one without updating
// every caller that feeds this estimator.
func (s *State) MagnetometerUpdate(m linalg.Vec3) error {
	if !s.hasOrientation {
		return ErrOrientationAbsent
	}

	worldM := linalg.QuatRotate(m, s.lastOrientation)
	psi := math.Atan2(worldM.X, worldM.Z)
	if psi < 0 {
		psi += 2 * math.Pi
	}

	if !s.hasRefHeading {
		s.refHeading = psi
		s.hasRefHeading = true
		return nil
	}

	dpsi := linalg.NormalizeAngle(psi - s.refHeading)

	vx, vz := s.x.AtVec(3), s.x.AtVec(5)
	speed := math.Sqrt(vx*vx + vz*vz)
	if speed < MinHorizontalSpeedForHeading {
		return nil
	}

	alpha := HeadingCorrectionGain * dpsi
	cosA, sinA := math.Cos(alpha), math.Sin(alpha)
	s.x.SetVec(3, vx*cosA-vz*sinA)
	s.x.SetVec(5, vx*sinA+vz*cosA)

	return nil
}
