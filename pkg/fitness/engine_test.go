package fitness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
)

type testDevice struct {
	provider crypto.Provider
	keyPair  *crypto.KeyPair
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()

	keyPair, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	provider, err := crypto.NewEd25519Provider(keyPair)
	require.NoError(t, err)

	return &testDevice{provider: provider, keyPair: keyPair}
}

func newTestEngine(t *testing.T, device *testDevice) *Engine {
	t.Helper()

	lookup := func(subjectID string) []byte {
		return device.keyPair.PublicKey
	}
	return NewEngine(config.Default().Fitness, device.provider, lookup, zap.NewNop())
}

func reading(source string, category data.ReadingCategory, value float64) data.FitnessReading {
	return data.FitnessReading{
		SourceID:           source,
		Category:           category,
		Value:              value,
		QualityWeight:      1.0,
		Timestamp:          time.Now().UTC(),
		SourceAuthenticity: 0.95,
	}
}

func attestedBatch(t *testing.T, device *testDevice, validatorID string, readings []data.FitnessReading) *data.ReadingBatch {
	t.Helper()

	att, err := data.NewAttestation(validatorID, data.HashReadings(readings), 0.95, 5*time.Minute)
	require.NoError(t, err)

	att.DeviceSignature, err = device.provider.Sign([]byte(att.ReadingHash))
	require.NoError(t, err)

	return &data.ReadingBatch{
		ValidatorID: validatorID,
		Readings:    readings,
		Attestation: att,
		CollectedAt: time.Now().UTC(),
	}
}

func healthyReadings() []data.FitnessReading {
	return []data.FitnessReading{
		reading("watch", data.CategoryPrimaryRate, 70),
		reading("band", data.CategoryStressProxy, 20),
		reading("ring", data.CategoryFocusProxy, 80),
		reading("scale", data.CategoryRecovery, 90),
	}
}

func TestProcessBatchProducesEligibleScore(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	batch := attestedBatch(t, device, "validator-1", healthyReadings())

	profile, err := engine.ProcessBatch(batch, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 4, profile.SourceCount)
	assert.InDelta(t, 0.95, profile.Authenticity, 0.001)

	score := engine.ScoreProfile(profile)
	assert.True(t, score.Eligible, "reasons: %v", score.IneligibleReasons)
	assert.GreaterOrEqual(t, score.FinalScore, 75.0)
	assert.LessOrEqual(t, score.FinalScore, 100.0)
}

func TestFinalScoreBoundedForDegenerateInput(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	cases := []struct {
		name     string
		readings []data.FitnessReading
	}{
		{"zero readings", nil},
		{"extreme values", []data.FitnessReading{
			reading("a", data.CategoryPrimaryRate, 100000),
			reading("b", data.CategoryStressProxy, -500),
		}},
		{"all zero values", []data.FitnessReading{
			reading("a", data.CategoryPrimaryRate, 0),
			reading("b", data.CategoryActivity, 0),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := &data.ReadingBatch{
				ValidatorID: "validator-1",
				Readings:    tc.readings,
				CollectedAt: time.Now().UTC(),
			}

			profile, err := engine.ProcessBatch(batch, time.Now())
			require.NoError(t, err)

			score := engine.ScoreProfile(profile)
			assert.GreaterOrEqual(t, score.FinalScore, 0.0)
			assert.LessOrEqual(t, score.FinalScore, 100.0)
			assert.False(t, score.FinalScore != score.FinalScore, "final score must not be NaN")
		})
	}
}

func TestFailedAttestationZeroesAuthenticity(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	batch := attestedBatch(t, device, "validator-1", healthyReadings())
	batch.Attestation.DeviceSignature = []byte("forged")

	profile, err := engine.ProcessBatch(batch, time.Now())
	require.NoError(t, err)

	assert.Zero(t, profile.Authenticity)

	score := engine.ScoreProfile(profile)
	assert.False(t, score.Eligible)
	assert.NotEmpty(t, score.IneligibleReasons)
}

func TestExpiredAttestationFailsVerification(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	batch := attestedBatch(t, device, "validator-1", healthyReadings())

	_, err := engine.ProcessBatch(batch, time.Now().Add(10*time.Minute))
	require.NoError(t, err)

	profile, _ := engine.Profile("validator-1")
	assert.Zero(t, profile.Authenticity)
}

func TestTamperedReadingsFailAttestation(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	batch := attestedBatch(t, device, "validator-1", healthyReadings())
	batch.Readings[0].Value = 75

	profile, err := engine.ProcessBatch(batch, time.Now())
	require.NoError(t, err)
	assert.Zero(t, profile.Authenticity)
}

func TestPrimaryRateBanding(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	cases := []struct {
		value float64
		want  float64
	}{
		{70, 100},
		{55, 80},
		{85, 80},
		{45, 60},
		{95, 60},
		{150, 30},
		{10, 30},
	}

	for _, tc := range cases {
		got := engine.shapeCategory(data.CategoryPrimaryRate, tc.value)
		assert.Equal(t, tc.want, got, "value %.0f", tc.value)
	}
}

func TestStressShapingInverts(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	assert.Equal(t, 80.0, engine.shapeCategory(data.CategoryStressProxy, 20))
	assert.Equal(t, 0.0, engine.shapeCategory(data.CategoryStressProxy, 150))
}

func TestDiversityTiers(t *testing.T) {
	assert.Equal(t, 100.0, diversityComponent(5))
	assert.Equal(t, 100.0, diversityComponent(4))
	assert.Equal(t, 85.0, diversityComponent(3))
	assert.Equal(t, 70.0, diversityComponent(2))
	assert.Equal(t, 30.0, diversityComponent(1))
	assert.Equal(t, 0.0, diversityComponent(0))
}

func TestStabilityNeutralWithShortHistory(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	batch := attestedBatch(t, device, "validator-1", healthyReadings())
	_, err := engine.ProcessBatch(batch, time.Now())
	require.NoError(t, err)

	assert.Equal(t, engine.cfg.StabilityNeutral, engine.stabilityComponent("validator-1"))
}

func TestStabilityRewardsConsistency(t *testing.T) {
	device := newTestDevice(t)
	steady := newTestEngine(t, device)
	erratic := newTestEngine(t, device)

	for i := 0; i < 5; i++ {
		batch := attestedBatch(t, device, "v", healthyReadings())
		_, err := steady.ProcessBatch(batch, time.Now())
		require.NoError(t, err)
	}

	values := []float64{70, 10, 95, 20, 90}
	for _, v := range values {
		batch := attestedBatch(t, device, "v", []data.FitnessReading{
			reading("a", data.CategoryPrimaryRate, v),
			reading("b", data.CategoryActivity, v),
		})
		_, err := erratic.ProcessBatch(batch, time.Now())
		require.NoError(t, err)
	}

	assert.Greater(t, steady.stabilityComponent("v"), erratic.stabilityComponent("v"))
}

func TestHistoryBounded(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	for i := 0; i < engine.cfg.HistorySize+5; i++ {
		batch := attestedBatch(t, device, "v", healthyReadings())
		_, err := engine.ProcessBatch(batch, time.Now())
		require.NoError(t, err)
	}

	assert.Len(t, engine.History("v"), engine.cfg.HistorySize)
}

func TestEligibilityFailureReasons(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	// Single source, high stress, low focus
	batch := attestedBatch(t, device, "validator-1", []data.FitnessReading{
		reading("only", data.CategoryStressProxy, 95),
		reading("only", data.CategoryFocusProxy, 10),
	})

	profile, err := engine.ProcessBatch(batch, time.Now())
	require.NoError(t, err)

	score := engine.ScoreProfile(profile)
	assert.False(t, score.Eligible)
	assert.GreaterOrEqual(t, len(score.IneligibleReasons), 3)
}

func TestNilProfileScoresIneligible(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	score := engine.ScoreProfile(nil)
	assert.False(t, score.Eligible)
	assert.Zero(t, score.FinalScore)
}

func TestRateBandBoundaries(t *testing.T) {
	device := newTestDevice(t)
	engine := newTestEngine(t, device)

	assert.Equal(t, 100.0, engine.shapeCategory(data.CategoryPrimaryRate, 70))
	// Band intervals are half-open, so 80 falls into the next band up
	assert.Equal(t, 80.0, engine.shapeCategory(data.CategoryPrimaryRate, 80))
	assert.Equal(t, 60.0, engine.shapeCategory(data.CategoryPrimaryRate, 40))

	// The outermost edge belongs to its band, not the fallback
	assert.Equal(t, 60.0, engine.shapeCategory(data.CategoryPrimaryRate, 100))

	assert.Equal(t, rateBandFallbackScore, engine.shapeCategory(data.CategoryPrimaryRate, 101))
	assert.Equal(t, rateBandFallbackScore, engine.shapeCategory(data.CategoryPrimaryRate, 39))
}
