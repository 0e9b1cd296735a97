package synth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ionlake/imutrack/internal/preprocess"
)

func TestGenerateIsDeterministicForAGivenSeed(t *testing.T) {
	profile := DefaultProfile(42)
	a := Generate(profile)
	b := Generate(profile)
	assert.Equal(t, a, b)
}

func TestGenerateProducesOneEventPerSamplePlusPeriodicMagnetometer(t *testing.T) {
	profile := DefaultProfile(1)
	profile.SampleCount = 20
	rec := Generate(profile)

	var magCount int
	for _, ev := range rec.Events {
		if ev.Magnetometer != nil {
			magCount++
		}
	}

	assert.GreaterOrEqual(t, len(rec.Events), profile.SampleCount)
	assert.Equal(t, 2, magCount) // samples 0 and 10 of 20
}

func TestGenerateRespectsSchemaVersionForDownstreamReplay(t *testing.T) {
	rec := Generate(DefaultProfile(7))
	_, err := preprocess.Run(rec, preprocess.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SchemaVersion)
}

func TestGenerateBatchProducesNIndependentRecordingsInSeedOrder(t *testing.T) {
	profile := DefaultProfile(100)
	profile.SampleCount = 10

	recs, err := GenerateBatch(context.Background(), profile, 5, 2)
	require.NoError(t, err)
	require.Len(t, recs, 5)

	for i, rec := range recs {
		expectedSeed := int64(100 + i)
		assert.Equal(t, Generate(Profile{
			Seed: expectedSeed, SampleCount: 10, SampleIntervalMs: profile.SampleIntervalMs,
			AccelNoiseStd: profile.AccelNoiseStd, AngularRateRadPerSec: profile.AngularRateRadPerSec,
			IncludeMagnetometer: profile.IncludeMagnetometer,
		}), rec)
	}
}

func TestGenerateBatchHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GenerateBatch(ctx, DefaultProfile(1), 100, 2)
	assert.Error(t, err)
}
