// Package synth generates synthetic IMU recordings for exercising the
// preprocessor and live estimator without real hardware. Adapted from the
// reference service's Monte Carlo campaign runner
// (internal/simulation/montecarlo.go): a seeded *rand.Rand drives
// parameterized randomization, and a worker pool fans generation out
// across goroutines, replacing that file's flight-scenario statistics
// gathering with IMU sample synthesis.
package synth

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/ionlake/imutrack/internal/linalg"
	"github.com/ionlake/imutrack/internal/preprocess"
)

// Profile parameterizes one synthetic recording.
type Profile struct {
	Seed int64
	// SampleCount is the number of acceleration/orientation samples
	// generated.
	SampleCount int
	// SampleIntervalMs is the nominal spacing between samples.
	SampleIntervalMs int64
	// AccelNoiseStd is the standard deviation of Gaussian noise added to
	// each acceleration axis.
	AccelNoiseStd float64
	// AngularRateRadPerSec is a constant yaw rate applied to the
	// synthetic orientation track, producing a smooth rotating frame.
	AngularRateRadPerSec float64
	// IncludeMagnetometer emits a magnetometer reading every 10th
	// sample when true.
	IncludeMagnetometer bool
}

// DefaultProfile returns a gentle walking-pace synthetic profile.
func DefaultProfile(seed int64) Profile {
	return Profile{
		Seed:                 seed,
		SampleCount:          600,
		SampleIntervalMs:     16,
		AccelNoiseStd:        0.02,
		AngularRateRadPerSec: 0.05,
		IncludeMagnetometer: true,
	}
}

// Generate synthesizes one Recording from p.
func Generate(p Profile) preprocess.Recording {
	rng := rand.New(rand.NewSource(p.Seed))

	events := make([]preprocess.RecordingEvent, 0, p.SampleCount)
	var t int64

	for i := 0; i < p.SampleCount; i++ {
		angle := p.AngularRateRadPerSec * float64(i) * float64(p.SampleIntervalMs) / 1000.0
		q := linalg.Quat{
			W: math.Cos(angle / 2),
			X: 0, Y: math.Sin(angle / 2), Z: 0,
		}

		accel := linalg.Vec3{
			X: gaussian(rng, p.AccelNoiseStd),
			Y: gaussian(rng, p.AccelNoiseStd),
			Z: gaussian(rng, p.AccelNoiseStd),
		}

		events = append(events, preprocess.RecordingEvent{
			TMs:         t,
			Kind:        preprocess.EventData,
			Quaternion:  &q,
			LinearAccel: &accel,
		})

		if p.IncludeMagnetometer && i%10 == 0 {
			mag := linalg.Vec3{Z: 1, X: gaussian(rng, 0.01)}
			events = append(events, preprocess.RecordingEvent{
				TMs:          t,
				Kind:         preprocess.EventData,
				Magnetometer: &mag,
			})
		}

		t += p.SampleIntervalMs
	}

	return preprocess.Recording{
		SchemaVersion: 1,
		DeviceName:    fmt.Sprintf("synthetic-%d", p.Seed),
		Events:        events,
	}
}

func gaussian(rng *rand.Rand, std float64) float64 {
	if std <= 0 {
		return 0
	}
	return rng.NormFloat64() * std
}

// GenerateBatch runs n independent profiles (seeds p.Seed, p.Seed+1, ...,
// each otherwise identical to p) concurrently across a small worker pool,
// returning one Recording per seed in seed order. Useful for building a
// regression corpus that exercises preprocess.Run many times over.
func GenerateBatch(ctx context.Context, p Profile, n int, workers int) ([]preprocess.Recording, error) {
	if workers <= 0 {
		workers = 4
	}

	type job struct {
		index int
		seed  int64
	}

	jobs := make(chan job, n)
	out := make([]preprocess.Recording, n)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				profile := p
				profile.Seed = j.seed
				out[j.index] = Generate(profile)
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- job{index: i, seed: p.Seed + int64(i)}
	}
	close(jobs)

	wg.Wait()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return out, nil
}
