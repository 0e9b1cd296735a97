// Package preprocess runs the EKF deterministically over a recorded event
// stream — using each sample's own timestamp to derive dt instead of a
// wall clock — and resamples the result to a fixed-rate replay track with
// slerp'd orientation. It owns its EKF instance exclusively (spec.md
// section 5: "the preprocessor alone owns its EKF instance") and performs
// no I/O of its own; callers decode/encode the JSON wire format.
package preprocess

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ionlake/imutrack/internal/calibration"
	"github.com/ionlake/imutrack/internal/ekf"
	"github.com/ionlake/imutrack/internal/linalg"
)

// EventKind distinguishes the three recording event categories. Only Data
// events carry sensor payloads; System and Error events are informational
// and only contribute to duration tracking.
type EventKind int

const (
	EventSystem EventKind = iota
	EventData
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSystem:
		return "system"
	case EventData:
		return "data"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the event kind as the lowercase wire string rather
// than its numeric value.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses the lowercase wire string back into an EventKind.
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "system":
		*k = EventSystem
	case "data":
		*k = EventData
	case "error":
		*k = EventError
	default:
		return fmt.Errorf("preprocess: unknown event kind %q", s)
	}
	return nil
}

// RecordingEvent is one entry in a recorded event stream. At most the
// fields relevant to its payload are set; Quaternion, LinearAccel, and
// Magnetometer are independent and a single event may carry any subset of
// them (including none, for System/Error events).
type RecordingEvent struct {
	TMs          int64         `json:"tMs"`
	Kind         EventKind     `json:"type"`
	Message      string        `json:"message,omitempty"`
	Quaternion   *linalg.Quat  `json:"quaternion,omitempty"`
	LinearAccel  *linalg.Vec3  `json:"linearAccel,omitempty"`
	Magnetometer *linalg.Vec3  `json:"magnetometer,omitempty"`
}

// Recording is the schema-version-1 input document (spec.md section 6).
type Recording struct {
	SchemaVersion int                           `json:"schemaVersion"`
	DeviceName    string                        `json:"deviceName,omitempty"`
	Calibration   *calibration.CalibrationData  `json:"calibration,omitempty"`
	Events        []RecordingEvent              `json:"events"`
}

// ReplayFrame is one fixed-rate output sample.
type ReplayFrame struct {
	TMs        int64       `json:"tMs"`
	Position   linalg.Vec3 `json:"position"`
	Quaternion linalg.Quat `json:"quaternion"`
}

// Replay is the schema-version-1 output document.
type Replay struct {
	SchemaVersion  int           `json:"schemaVersion"`
	SourceFileName string        `json:"sourceFileName,omitempty"`
	DeviceName     string        `json:"deviceName,omitempty"`
	DurationMs     int64         `json:"durationMs"`
	Frames         []ReplayFrame `json:"frames"`
}

// DefaultFrameRate is used when Options.FrameRate is unset.
const DefaultFrameRate = 60.0

// ErrInvalidSchema is returned for any recording whose SchemaVersion isn't
// the one version this preprocessor understands.
var ErrInvalidSchema = errors.New("preprocess: unsupported recording schema version")

// Options configures a Run.
type Options struct {
	FrameRate      float64 // Hz, default DefaultFrameRate
	SourceFileName string
}

const (
	maxDtSamplesForDefault = 12
	minDefaultDt           = 0.0 // exclusive lower bound
	maxDefaultDt           = 0.2 // inclusive upper bound
	fallbackDt             = 1.0 / 60.0
)

type quatKeyframe struct {
	t int64
	q linalg.Quat
}

type posKeyframe struct {
	t int64
	p linalg.Vec3
}

// Run is the deterministic replay pipeline described in spec.md section
// 4.4. The same Recording always produces byte-identical Frames, since
// every timestamp comes from the recording and dt is always derived from
// it, never from a wall clock.
func Run(rec Recording, opts Options) (Replay, error) {
	if rec.SchemaVersion != 1 {
		return Replay{}, ErrInvalidSchema
	}

	frameRate := opts.FrameRate
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}

	events := make([]RecordingEvent, len(rec.Events))
	copy(events, rec.Events)
	sort.SliceStable(events, func(i, j int) bool { return events[i].TMs < events[j].TMs })

	defaultDt := estimateDefaultDt(events)

	state := ekf.New()

	var quatKeyframes []quatKeyframe
	var posKeyframes []posKeyframe

	var lastQuat *linalg.Quat
	var lastQuatT int64
	var hasAccel bool
	var lastAccelT int64
	var lastPosT int64
	var lastEventT int64

	for _, ev := range events {
		if ev.TMs > lastEventT {
			lastEventT = ev.TMs
		}

		if ev.Quaternion != nil {
			q := ev.Quaternion.Normalize()
			if lastQuat != nil {
				q = q.Canonicalize(*lastQuat)
			}
			lastQuat = &q
			lastQuatT = ev.TMs
			quatKeyframes = append(quatKeyframes, quatKeyframe{t: ev.TMs, q: q})
		}

		if ev.LinearAccel != nil && lastQuat != nil {
			a := calibration.Transform(rec.Calibration, *ev.LinearAccel)

			var dt float64
			if !hasAccel {
				dt = defaultDt
			} else {
				dt = float64(ev.TMs-lastAccelT) / 1000.0
			}
			hasAccel = true
			lastAccelT = ev.TMs

			pos := state.PredictWithDt(a, *lastQuat, dt)
			lastPosT = ev.TMs
			posKeyframes = append(posKeyframes, posKeyframe{t: ev.TMs, p: pos})
		}

		if ev.Magnetometer != nil {
			_ = state.MagnetometerUpdate(*ev.Magnetometer)
		}
	}

	duration := lastQuatT
	if lastPosT > duration {
		duration = lastPosT
	}
	if lastEventT > duration {
		duration = lastEventT
	}

	frames := resample(quatKeyframes, posKeyframes, duration, frameRate)

	return Replay{
		SchemaVersion:  1,
		SourceFileName: opts.SourceFileName,
		DeviceName:     rec.DeviceName,
		DurationMs:     duration,
		Frames:         frames,
	}, nil
}

// estimateDefaultDt means the mean interval, in seconds, between the
// first up-to-12 linear-acceleration events in timestamp order, clamped
// to (0, 0.2]; falls back to 1/60s if fewer than two such events exist or
// the estimate is out of range.
func estimateDefaultDt(sortedEvents []RecordingEvent) float64 {
	var ts []int64
	for _, ev := range sortedEvents {
		if ev.LinearAccel == nil {
			continue
		}
		ts = append(ts, ev.TMs)
		if len(ts) == maxDtSamplesForDefault {
			break
		}
	}
	if len(ts) < 2 {
		return fallbackDt
	}

	var sum float64
	for i := 1; i < len(ts); i++ {
		sum += float64(ts[i]-ts[i-1]) / 1000.0
	}
	mean := sum / float64(len(ts)-1)

	if mean <= minDefaultDt || mean > maxDefaultDt {
		return fallbackDt
	}
	return mean
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func resample(quats []quatKeyframe, positions []posKeyframe, durationMs int64, frameRate float64) []ReplayFrame {
	frameInterval := 1000.0 / frameRate

	var frames []ReplayFrame
	qIdx, pIdx := 0, 0

	for t := 0.0; t <= float64(durationMs); t += frameInterval {
		q, qIdx2 := sampleQuat(quats, qIdx, t)
		qIdx = qIdx2
		p, pIdx2 := samplePos(positions, pIdx, t)
		pIdx = pIdx2

		frames = append(frames, ReplayFrame{
			TMs:        int64(t),
			Position:   p,
			Quaternion: q,
		})
	}
	return frames
}

func sampleQuat(kf []quatKeyframe, idx int, t float64) (linalg.Quat, int) {
	if len(kf) == 0 {
		return linalg.QuatIdentity, idx
	}
	if len(kf) == 1 {
		return kf[0].q, idx
	}
	for idx+1 < len(kf)-1 && float64(kf[idx+1].t) <= t {
		idx++
	}
	i0, i1 := idx, idx+1
	if i1 >= len(kf) {
		i1 = len(kf) - 1
	}

	denom := float64(kf[i1].t - kf[i0].t)
	alpha := 0.0
	if denom > 0 {
		alpha = clamp01((t - float64(kf[i0].t)) / denom)
	}
	return linalg.QuatSlerp(kf[i0].q, kf[i1].q, alpha), idx
}

func samplePos(kf []posKeyframe, idx int, t float64) (linalg.Vec3, int) {
	if len(kf) == 0 {
		return linalg.Vec3{}, idx
	}
	if len(kf) == 1 {
		return kf[0].p, idx
	}
	for idx+1 < len(kf)-1 && float64(kf[idx+1].t) <= t {
		idx++
	}
	i0, i1 := idx, idx+1
	if i1 >= len(kf) {
		i1 = len(kf) - 1
	}

	denom := float64(kf[i1].t - kf[i0].t)
	alpha := 0.0
	if denom > 0 {
		alpha = clamp01((t - float64(kf[i0].t)) / denom)
	}
	p0, p1 := kf[i0].p, kf[i1].p
	return linalg.Vec3{
		X: p0.X + alpha*(p1.X-p0.X),
		Y: p0.Y + alpha*(p1.Y-p0.Y),
		Z: p0.Z + alpha*(p1.Z-p0.Z),
	}, idx
}
