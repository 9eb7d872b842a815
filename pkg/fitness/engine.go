package fitness

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/utils"
)

// Diversity tiers by distinct source count
const (
	diversityFourPlus = 100.0
	diversityThree    = 85.0
	diversityTwo      = 70.0
	diversityOne      = 30.0
)

// Category weights for the base fitness composite. Missing categories are
// renormalized out rather than scored as zero.
var categoryWeights = map[data.ReadingCategory]float64{
	data.CategoryPrimaryRate: 0.40,
	data.CategoryStressProxy: 0.20,
	data.CategoryFocusProxy:  0.20,
	data.CategoryRecovery:    0.10,
	data.CategoryActivity:    0.10,
}

// DefaultRateBands returns the built-in primary-rate shaping: a target band
// scores best, with tiers falling off toward the extremes.
func DefaultRateBands() []config.RateBand {
	return []config.RateBand{
		{Low: 60, High: 80, Score: 100},
		{Low: 50, High: 60, Score: 80},
		{Low: 80, High: 90, Score: 80},
		{Low: 40, High: 50, Score: 60},
		{Low: 90, High: 100, Score: 60},
	}
}

const rateBandFallbackScore = 30.0

// ScorePoint is one historical base-fitness observation
type ScorePoint struct {
	Score float64
	At    time.Time
}

// KeyLookup resolves a subject's attestation verification key. Returning
// nil means the key is unknown and verification fails.
type KeyLookup func(subjectID string) []byte

// Engine converts attested reading batches into fitness profiles and
// consensus scores.
type Engine struct {
	cfg       config.FitnessConfig
	provider  crypto.Provider
	keyLookup KeyLookup
	bands     []config.RateBand
	bandTop   float64
	profiles  map[string]*data.FitnessProfile
	history   map[string][]ScorePoint
	logger    *zap.Logger
	metrics   *EngineMetrics
	metricsMu sync.RWMutex
	mu        sync.RWMutex
}

// EngineMetrics tracks scoring activity
type EngineMetrics struct {
	BatchesProcessed    uint64
	AttestationFailures uint64
	EligibleScores      uint64
	IneligibleScores    uint64
	LastUpdate          time.Time
}

// NewEngine creates a fitness scoring engine
func NewEngine(cfg config.FitnessConfig, provider crypto.Provider, keyLookup KeyLookup, logger *zap.Logger) *Engine {
	bands := cfg.RateBands
	if len(bands) == 0 {
		bands = DefaultRateBands()
	}
	var bandTop float64
	for _, band := range bands {
		if band.High > bandTop {
			bandTop = band.High
		}
	}

	return &Engine{
		cfg:       cfg,
		provider:  provider,
		keyLookup: keyLookup,
		bands:     bands,
		bandTop:   bandTop,
		profiles:  make(map[string]*data.FitnessProfile),
		history:   make(map[string][]ScorePoint),
		logger:    logger,
		metrics:   &EngineMetrics{},
	}
}

// ProcessBatch verifies a reading batch and computes the validator's new
// fitness profile. The new profile supersedes the previous one.
func (e *Engine) ProcessBatch(batch *data.ReadingBatch, now time.Time) (*data.FitnessProfile, error) {
	if batch == nil || batch.ValidatorID == "" {
		return nil, fmt.Errorf("batch must name a validator")
	}

	verified := e.verifyAttestation(batch, now)
	if !verified {
		e.metricsMu.Lock()
		e.metrics.AttestationFailures++
		e.metricsMu.Unlock()
	}

	profile := e.computeProfile(batch, verified, now)

	e.mu.Lock()
	e.profiles[batch.ValidatorID] = profile
	e.recordHistoryLocked(batch.ValidatorID, e.baseFitness(profile), now)
	e.mu.Unlock()

	e.metricsMu.Lock()
	e.metrics.BatchesProcessed++
	e.metrics.LastUpdate = time.Now()
	e.metricsMu.Unlock()

	return profile, nil
}

// Profile returns the current profile for a validator, if any
func (e *Engine) Profile(validatorID string) (*data.FitnessProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.profiles[validatorID]
	return p, ok
}

// History returns a copy of the validator's base-fitness history, oldest
// first. Consumed by the stability component and the slashing detector.
func (e *Engine) History(validatorID string) []ScorePoint {
	e.mu.RLock()
	defer e.mu.RUnlock()

	points := e.history[validatorID]
	out := make([]ScorePoint, len(points))
	copy(out, points)
	return out
}

// ScoreProfile derives the consensus score and eligibility for a profile
func (e *Engine) ScoreProfile(profile *data.FitnessProfile) *data.ConsensusScore {
	if profile == nil {
		return &data.ConsensusScore{
			Eligible:          false,
			IneligibleReasons: []string{"no fitness profile"},
			ComputedAt:        time.Now().UTC(),
		}
	}

	fitness := e.baseFitness(profile)
	authenticity := utils.Clamp(profile.Authenticity*100, 0, 100)
	stability := e.stabilityComponent(profile.ValidatorID)
	diversity := diversityComponent(profile.SourceCount)

	final := utils.Clamp(
		e.cfg.FitnessWeight*fitness+
			e.cfg.AuthenticityWeight*authenticity+
			e.cfg.StabilityWeight*stability+
			e.cfg.DiversityWeight*diversity,
		0, 100)

	score := &data.ConsensusScore{
		ValidatorID:           profile.ValidatorID,
		FitnessComponent:      fitness,
		AuthenticityComponent: authenticity,
		StabilityComponent:    stability,
		DiversityComponent:    diversity,
		FinalScore:            final,
		ComputedAt:            time.Now().UTC(),
	}

	score.IneligibleReasons = e.eligibilityFailures(profile, final)
	score.Eligible = len(score.IneligibleReasons) == 0

	e.metricsMu.Lock()
	if score.Eligible {
		e.metrics.EligibleScores++
	} else {
		e.metrics.IneligibleScores++
	}
	e.metricsMu.Unlock()

	return score
}

// GetMetrics returns a snapshot of engine metrics
func (e *Engine) GetMetrics() EngineMetrics {
	e.metricsMu.RLock()
	defer e.metricsMu.RUnlock()

	return EngineMetrics{
		BatchesProcessed:    e.metrics.BatchesProcessed,
		AttestationFailures: e.metrics.AttestationFailures,
		EligibleScores:      e.metrics.EligibleScores,
		IneligibleScores:    e.metrics.IneligibleScores,
		LastUpdate:          e.metrics.LastUpdate,
	}
}

// Private methods

// verifyAttestation checks the attestation binding the batch. Any failure
// yields false; there is no optimistic path.
func (e *Engine) verifyAttestation(batch *data.ReadingBatch, now time.Time) bool {
	att := batch.Attestation
	if att == nil {
		return false
	}
	if err := att.Validate(); err != nil {
		return false
	}
	if att.IsExpired(now) {
		return false
	}
	if att.ReadingHash != data.HashReadings(batch.Readings) {
		return false
	}
	if len(att.DeviceSignature) == 0 {
		return false
	}

	key := e.keyLookup(att.SubjectID)
	if key == nil {
		return false
	}
	return e.provider.Verify([]byte(att.ReadingHash), att.DeviceSignature, key)
}

func (e *Engine) computeProfile(batch *data.ReadingBatch, verified bool, now time.Time) *data.FitnessProfile {
	type acc struct {
		weightedSum float64
		weightTotal float64
	}

	sums := make(map[data.ReadingCategory]*acc)
	sources := make(map[string]struct{})
	var qualitySum float64
	var counted int

	for i := range batch.Readings {
		r := &batch.Readings[i]
		if err := r.Validate(); err != nil {
			e.logger.Debug("Dropping malformed reading",
				zap.String("validatorID", batch.ValidatorID),
				zap.Error(err))
			continue
		}

		a, ok := sums[r.Category]
		if !ok {
			a = &acc{}
			sums[r.Category] = a
		}
		a.weightedSum += r.Value * r.QualityWeight
		a.weightTotal += r.QualityWeight

		sources[r.SourceID] = struct{}{}
		qualitySum += r.QualityWeight
		counted++
	}

	averages := make(map[data.ReadingCategory]float64, len(sums))
	for category, a := range sums {
		if a.weightTotal > 0 {
			averages[category] = a.weightedSum / a.weightTotal
		}
	}

	profile := &data.FitnessProfile{
		ValidatorID:      batch.ValidatorID,
		CategoryAverages: averages,
		SourceCount:      len(sources),
		ComputedAt:       now,
	}
	if counted > 0 {
		profile.QualityScore = qualitySum / float64(counted)
	}

	// A failed attestation contributes zero and drops out of the mean,
	// which for a single-attestation batch means zero authenticity.
	if verified && batch.Attestation != nil {
		profile.Authenticity = batch.Attestation.LivenessScore
	}

	return profile
}

// baseFitness is the quality-weighted sum of shaped category scores,
// renormalized over the categories actually present.
func (e *Engine) baseFitness(profile *data.FitnessProfile) float64 {
	if len(profile.CategoryAverages) == 0 {
		return 0
	}

	var weighted, weightTotal float64
	for category, avg := range profile.CategoryAverages {
		weight, ok := categoryWeights[category]
		if !ok {
			continue
		}
		weighted += weight * e.shapeCategory(category, avg)
		weightTotal += weight
	}

	if weightTotal == 0 {
		return 0
	}
	return utils.Clamp(weighted/weightTotal, 0, 100)
}

// shapeCategory maps a raw category average onto [0,100]. Bands are
// half-open [Low, High), except the outermost band, which includes its
// upper edge so the maximum value still lands in a band.
func (e *Engine) shapeCategory(category data.ReadingCategory, value float64) float64 {
	switch category {
	case data.CategoryPrimaryRate:
		for _, band := range e.bands {
			if value >= band.Low && (value < band.High || (value == band.High && band.High == e.bandTop)) {
				return band.Score
			}
		}
		return rateBandFallbackScore
	case data.CategoryStressProxy:
		// Lower stress is better
		return utils.Clamp(100-value, 0, 100)
	default:
		return utils.Clamp(value, 0, 100)
	}
}

// stabilityComponent is the inverse coefficient of variation over the
// recent base-fitness history. Fewer than 3 points yields the neutral
// default.
func (e *Engine) stabilityComponent(validatorID string) float64 {
	e.mu.RLock()
	points := e.history[validatorID]
	e.mu.RUnlock()

	if len(points) < 3 {
		return e.cfg.StabilityNeutral
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Score
	}

	mean := utils.Mean(values)
	if mean == 0 {
		return 0
	}
	cv := utils.StdDev(values) / mean
	return utils.Clamp((1-cv)*100, 0, 100)
}

func diversityComponent(sourceCount int) float64 {
	switch {
	case sourceCount >= 4:
		return diversityFourPlus
	case sourceCount == 3:
		return diversityThree
	case sourceCount == 2:
		return diversityTwo
	case sourceCount == 1:
		return diversityOne
	default:
		return 0
	}
}

func (e *Engine) eligibilityFailures(profile *data.FitnessProfile, final float64) []string {
	var reasons []string

	if final < e.cfg.MinConsensusScore {
		reasons = append(reasons, fmt.Sprintf("final score %.1f below minimum %.1f", final, e.cfg.MinConsensusScore))
	}
	if profile.Authenticity < e.cfg.MinAuthenticity {
		reasons = append(reasons, fmt.Sprintf("authenticity %.2f below minimum %.2f", profile.Authenticity, e.cfg.MinAuthenticity))
	}
	if profile.SourceCount < e.cfg.MinSourceCount {
		reasons = append(reasons, fmt.Sprintf("source count %d below minimum %d", profile.SourceCount, e.cfg.MinSourceCount))
	}
	if stress, ok := profile.CategoryAverage(data.CategoryStressProxy); ok && stress > e.cfg.StressCeiling {
		reasons = append(reasons, fmt.Sprintf("stress proxy %.1f above ceiling %.1f", stress, e.cfg.StressCeiling))
	}
	if focus, ok := profile.CategoryAverage(data.CategoryFocusProxy); ok && focus < e.cfg.FocusFloor {
		reasons = append(reasons, fmt.Sprintf("focus proxy %.1f below floor %.1f", focus, e.cfg.FocusFloor))
	}
	if profile.QualityScore < e.cfg.MinQuality {
		reasons = append(reasons, fmt.Sprintf("quality %.2f below minimum %.2f", profile.QualityScore, e.cfg.MinQuality))
	}

	return reasons
}

func (e *Engine) recordHistoryLocked(validatorID string, baseFitness float64, at time.Time) {
	points := append(e.history[validatorID], ScorePoint{Score: baseFitness, At: at})
	if len(points) > e.cfg.HistorySize {
		points = points[len(points)-e.cfg.HistorySize:]
	}
	e.history[validatorID] = points
}
