// Package calibration estimates and applies a per-device axis-alignment
// transform from six directional acceleration averages, collected one
// direction at a time by a small state machine. It is single-threaded by
// contract (spec.md section 5): it is driven exclusively by the UI/sensor
// callback that owns it, and unlike the reference service's fusion and
// telemetry types it carries no mutex — there is exactly one caller.
package calibration

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ionlake/imutrack/internal/linalg"
)

// Step is a state in the calibration state machine.
type Step int

const (
	StepIdle Step = iota
	StepPosX
	StepNegX
	StepPosY
	StepNegY
	StepPosZ
	StepNegZ
	StepComplete
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepPosX:
		return "posX"
	case StepNegX:
		return "negX"
	case StepPosY:
		return "posY"
	case StepNegY:
		return "negY"
	case StepPosZ:
		return "posZ"
	case StepNegZ:
		return "negZ"
	case StepComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// stepOrder is the collection sequence; StepComplete is not collected
// into, it is the terminal transition fired alongside the negZ commit.
var stepOrder = []Step{StepPosX, StepNegX, StepPosY, StepNegY, StepPosZ, StepNegZ}

var instructions = map[Step]string{
	StepPosX: "Point the device's +X axis up and hold still",
	StepNegX: "Point the device's -X axis up and hold still",
	StepPosY: "Point the device's +Y axis up and hold still",
	StepNegY: "Point the device's -Y axis up and hold still",
	StepPosZ: "Point the device's +Z axis up and hold still",
	StepNegZ: "Point the device's -Z axis up and hold still",
}

// SamplesPerStep is the fixed number of samples averaged into each
// direction's slot.
const SamplesPerStep = 25

// ErrDegenerateAxis is returned when a calibration's axis difference for
// some pair is (near) zero — that axis cannot be used for alignment.
var ErrDegenerateAxis = errors.New("calibration: degenerate axis difference")

// CalibrationData is six directional acceleration averages plus metadata.
type CalibrationData struct {
	PosX linalg.Vec3 `json:"posX"`
	NegX linalg.Vec3 `json:"negX"`
	PosY linalg.Vec3 `json:"posY"`
	NegY linalg.Vec3 `json:"negY"`
	PosZ linalg.Vec3 `json:"posZ"`
	NegZ linalg.Vec3 `json:"negZ"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	DeviceName string `json:"deviceName,omitempty"`
}

// Validate enforces spec.md's invariant: for each axis pair, pos-neg must
// be non-zero, or that axis is degenerate and the calibration as a whole
// is rejected.
func (c CalibrationData) Validate() error {
	if c.PosX.Sub(c.NegX).Norm() < 1e-12 {
		return ErrDegenerateAxis
	}
	if c.PosY.Sub(c.NegY).Norm() < 1e-12 {
		return ErrDegenerateAxis
	}
	if c.PosZ.Sub(c.NegZ).Norm() < 1e-12 {
		return ErrDegenerateAxis
	}
	return nil
}

// AxisAlignmentMatrix is the 3x3 projection derived from a calibration:
// each row is the independently normalized unit vector of that axis's
// difference. It need not be orthogonal — see spec.md design notes.
type AxisAlignmentMatrix linalg.Mat3

// BuildAxisAlignmentMatrix derives the alignment matrix from cal. A
// degenerate axis (zero-norm difference) yields a zero row, which in turn
// zeroes that output component during Transform — no error is raised
// here; Validate is the place that rejects degenerate calibrations
// outright.
func BuildAxisAlignmentMatrix(cal CalibrationData) AxisAlignmentMatrix {
	x := cal.PosX.Sub(cal.NegX).Normalize()
	y := cal.PosY.Sub(cal.NegY).Normalize()
	z := cal.PosZ.Sub(cal.NegZ).Normalize()
	return AxisAlignmentMatrix{
		{x.X, x.Y, x.Z},
		{y.X, y.Y, y.Z},
		{z.X, z.Y, z.Z},
	}
}

// Transform projects acceleration a through cal's axis-alignment matrix.
// A nil cal is the identity transform — "with no calibration present,
// transform(a) = a".
func Transform(cal *CalibrationData, a linalg.Vec3) linalg.Vec3 {
	if cal == nil {
		return a
	}
	m := linalg.Mat3(BuildAxisAlignmentMatrix(*cal))
	return m.MulVec(a)
}

// EventKind enumerates the calibration transformer's event stream.
type EventKind int

const (
	EventStepChange EventKind = iota
	EventProgress
	EventCancelled
	EventCompleted
)

// Event is emitted by the transformer as samples are processed. Per
// spec.md section 7, these events are how calibration surfaces its
// otherwise-silent state transitions to a caller (a log line, a UI
// toast — the transformer itself has no opinion).
type Event struct {
	Kind     EventKind
	Step     Step
	Message  string
	Progress int // 0-100, meaningful only for EventProgress
}

// Transformer runs the six-direction calibration state machine.
type Transformer struct {
	state  Step
	buffer []linalg.Vec3
	draft  CalibrationData

	// committed is true once draft holds a complete, usable calibration —
	// either from a finished in-process run or a seeded, previously
	// persisted one. Transform must only be handed a non-nil
	// CalibrationData when this is true; otherwise draft is a zero value
	// that would zero every axis (spec.md section 4.2: "with no
	// calibration present, transform(a) = a").
	committed bool

	store      Store
	deviceName string
}

// NewTransformer creates an idle Transformer. store may be nil, in which
// case completed calibrations are never persisted (spec.md section 5:
// "guarded against absence of the store ... by returning silently").
func NewTransformer(store Store, deviceName string) *Transformer {
	return &Transformer{state: StepIdle, store: store, deviceName: deviceName}
}

// HasCalibration reports whether draft currently holds a complete,
// usable calibration — from a finished run or from SeedCalibration.
func (t *Transformer) HasCalibration() bool { return t.committed }

// SeedCalibration installs a previously persisted calibration as the
// transformer's committed draft, without running the collection state
// machine. Callers load this from a Store at startup via LoadCalibration.
func (t *Transformer) SeedCalibration(cal CalibrationData) {
	t.draft = cal
	t.committed = true
}

// State returns the transformer's current step.
func (t *Transformer) State() Step { return t.state }

// Start resets the sample buffer and moves idle -> posX (or restarts from
// any other state — the only way out of a partially collected run besides
// Cancel).
func (t *Transformer) Start() Event {
	t.buffer = t.buffer[:0]
	t.draft = CalibrationData{DeviceName: t.deviceName, Timestamp: nowMillis()}
	t.state = StepPosX
	return Event{Kind: EventStepChange, Step: t.state, Message: instructions[t.state]}
}

// Cancel discards the buffer and returns to idle. Idempotent: calling it
// from idle is a harmless no-op that still emits a cancellation event.
func (t *Transformer) Cancel() Event {
	t.buffer = nil
	t.state = StepIdle
	return Event{Kind: EventCancelled, Step: StepIdle, Message: "calibration cancelled"}
}

// AddSample appends a to the current step's buffer. It is a no-op outside
// an active collection step (idle or complete). It returns the events
// produced (zero, one, or two: a progress event and/or a step-change /
// completion event) and whether this call completed the current step.
func (t *Transformer) AddSample(a linalg.Vec3) (stepCompleted bool, events []Event) {
	if t.state == StepIdle || t.state == StepComplete {
		return false, nil
	}

	t.buffer = append(t.buffer, a)
	n := len(t.buffer)

	if n%5 == 0 {
		events = append(events, Event{
			Kind:     EventProgress,
			Step:     t.state,
			Progress: (100 * n) / SamplesPerStep,
		})
	}

	if n < SamplesPerStep {
		return false, events
	}

	var sum linalg.Vec3
	for _, s := range t.buffer {
		sum = sum.Add(s)
	}
	mean := sum.Scale(1.0 / float64(len(t.buffer)))
	t.commit(t.state, mean)
	t.buffer = t.buffer[:0]

	next := t.nextStep(t.state)
	t.state = next

	if next == StepComplete {
		t.draft.Timestamp = nowMillis() // second write wins, per spec.md open questions
		t.committed = true
		SaveCalibration(t.store, t.draft)
		events = append(events, Event{Kind: EventCompleted, Step: StepComplete, Message: "calibration complete"})
		t.state = StepIdle // complete is transient: the negZ commit drives both transitions
	} else {
		events = append(events, Event{Kind: EventStepChange, Step: next, Message: instructions[next]})
	}

	return true, events
}

// Calibration returns the transformer's accumulated draft — meaningful
// mid-run for inspection, and equal to the persisted value immediately
// after an EventCompleted.
func (t *Transformer) Calibration() CalibrationData { return t.draft }

func (t *Transformer) commit(step Step, mean linalg.Vec3) {
	switch step {
	case StepPosX:
		t.draft.PosX = mean
	case StepNegX:
		t.draft.NegX = mean
	case StepPosY:
		t.draft.PosY = mean
	case StepNegY:
		t.draft.NegY = mean
	case StepPosZ:
		t.draft.PosZ = mean
	case StepNegZ:
		t.draft.NegZ = mean
	}
}

func (t *Transformer) nextStep(current Step) Step {
	for i, s := range stepOrder {
		if s == current {
			if i+1 < len(stepOrder) {
				return stepOrder[i+1]
			}
			return StepComplete
		}
	}
	return StepComplete
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// --- JSON wire format (spec.md section 6) ---

type vec3JSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type calibrationJSON struct {
	PosX       vec3JSON `json:"posX"`
	NegX       vec3JSON `json:"negX"`
	PosY       vec3JSON `json:"posY"`
	NegY       vec3JSON `json:"negY"`
	PosZ       vec3JSON `json:"posZ"`
	NegZ       vec3JSON `json:"negZ"`
	Timestamp  int64    `json:"timestamp"`
	DeviceName string   `json:"deviceName,omitempty"`
}

func toVec3JSON(v linalg.Vec3) vec3JSON { return vec3JSON{v.X, v.Y, v.Z} }
func fromVec3JSON(v vec3JSON) linalg.Vec3 { return linalg.Vec3{X: v.X, Y: v.Y, Z: v.Z} }

func (c CalibrationData) toJSON() calibrationJSON {
	return calibrationJSON{
		PosX: toVec3JSON(c.PosX), NegX: toVec3JSON(c.NegX),
		PosY: toVec3JSON(c.PosY), NegY: toVec3JSON(c.NegY),
		PosZ: toVec3JSON(c.PosZ), NegZ: toVec3JSON(c.NegZ),
		Timestamp: c.Timestamp, DeviceName: c.DeviceName,
	}
}

func (j calibrationJSON) toCalibration() CalibrationData {
	return CalibrationData{
		PosX: fromVec3JSON(j.PosX), NegX: fromVec3JSON(j.NegX),
		PosY: fromVec3JSON(j.PosY), NegY: fromVec3JSON(j.NegY),
		PosZ: fromVec3JSON(j.PosZ), NegZ: fromVec3JSON(j.NegZ),
		Timestamp: j.Timestamp, DeviceName: j.DeviceName,
	}
}

// ExportCalibration serializes cal to the wire JSON format in spec.md
// section 6.
func ExportCalibration(cal CalibrationData) ([]byte, error) {
	return json.Marshal(cal.toJSON())
}

// ImportCalibration accepts an arbitrary JSON blob iff it contains all six
// direction vectors; otherwise it fails without mutating anything (there
// is nothing to mutate — this is a pure function).
func ImportCalibration(blob []byte) (CalibrationData, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return CalibrationData{}, err
	}
	for _, field := range []string{"posX", "negX", "posY", "negY", "posZ", "negZ"} {
		if _, ok := raw[field]; !ok {
			return CalibrationData{}, ErrMalformedCalibration
		}
	}
	var j calibrationJSON
	if err := json.Unmarshal(blob, &j); err != nil {
		return CalibrationData{}, err
	}
	return j.toCalibration(), nil
}
