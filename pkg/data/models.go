package data

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidData      = errors.New("invalid data format")
	ErrInvalidID        = errors.New("invalid identifier")
	ErrInvalidTime      = errors.New("invalid timestamp")
	ErrMissingSignature = errors.New("missing required signature")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrExpired          = errors.New("validity window elapsed")
)

// ReadingCategory classifies a fitness reading by source signal
type ReadingCategory string

const (
	CategoryPrimaryRate ReadingCategory = "primary-rate"
	CategoryStressProxy ReadingCategory = "stress-proxy"
	CategoryFocusProxy  ReadingCategory = "focus-proxy"
	CategoryRecovery    ReadingCategory = "recovery"
	CategoryActivity    ReadingCategory = "activity"
)

// FitnessReading is a single captured sensor value. Immutable once captured.
type FitnessReading struct {
	SourceID           string          `json:"source_id"`
	Category           ReadingCategory `json:"category"`
	Value              float64         `json:"value"`
	QualityWeight      float64         `json:"quality_weight"`
	Timestamp          time.Time       `json:"timestamp"`
	SourceAuthenticity float64         `json:"source_authenticity"`
}

// Validate checks if the reading is well-formed
func (r *FitnessReading) Validate() error {
	if r.SourceID == "" {
		return errors.New("source ID cannot be empty")
	}
	if r.Category == "" {
		return errors.New("category cannot be empty")
	}
	if r.QualityWeight < 0 || r.QualityWeight > 1 {
		return errors.New("quality weight must be between 0 and 1")
	}
	if r.SourceAuthenticity < 0 || r.SourceAuthenticity > 1 {
		return errors.New("source authenticity must be between 0 and 1")
	}
	if r.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// AuthenticityAttestation is a signed, time-bounded claim that a reading
// batch is fresh and came from a live source. ValidUntil is fixed at issue
// time and never mutated.
type AuthenticityAttestation struct {
	SubjectID       string    `json:"subject_id"`
	ReadingHash     string    `json:"reading_hash"`
	DeviceSignature []byte    `json:"device_signature"`
	FreshnessProof  []byte    `json:"freshness_proof"`
	AntiReplayToken string    `json:"anti_replay_token"`
	LivenessScore   float64   `json:"liveness_score"`
	IssuedAt        time.Time `json:"issued_at"`
	ValidUntil      time.Time `json:"valid_until"`
}

// NewAttestation creates an attestation with its validity window fixed to
// issuedAt + validityPeriod.
func NewAttestation(subjectID, readingHash string, livenessScore float64, validityPeriod time.Duration) (*AuthenticityAttestation, error) {
	if subjectID == "" {
		return nil, errors.New("subject ID cannot be empty")
	}
	if readingHash == "" {
		return nil, errors.New("reading hash cannot be empty")
	}
	if livenessScore < 0 || livenessScore > 1 {
		return nil, errors.New("liveness score must be between 0 and 1")
	}

	now := time.Now().UTC()
	return &AuthenticityAttestation{
		SubjectID:     subjectID,
		ReadingHash:   readingHash,
		LivenessScore: livenessScore,
		IssuedAt:      now,
		ValidUntil:    now.Add(validityPeriod),
	}, nil
}

// IsExpired reports whether the validity window has elapsed
func (a *AuthenticityAttestation) IsExpired(now time.Time) bool {
	return now.After(a.ValidUntil)
}

// Validate checks if the attestation is structurally valid
func (a *AuthenticityAttestation) Validate() error {
	if a.SubjectID == "" {
		return errors.New("subject ID cannot be empty")
	}
	if a.ReadingHash == "" {
		return errors.New("reading hash cannot be empty")
	}
	if a.LivenessScore < 0 || a.LivenessScore > 1 {
		return errors.New("liveness score must be between 0 and 1")
	}
	if a.ValidUntil.Before(a.IssuedAt) {
		return ErrInvalidTime
	}
	return nil
}

// ReadingBatch couples a set of readings with their attestation
type ReadingBatch struct {
	ValidatorID string                   `json:"validator_id"`
	Readings    []FitnessReading         `json:"readings"`
	Attestation *AuthenticityAttestation `json:"attestation"`
	CollectedAt time.Time                `json:"collected_at"`
}

// HashReadings computes the digest an attestation binds to
func HashReadings(readings []FitnessReading) string {
	hasher := sha256.New()
	for _, r := range readings {
		hasher.Write([]byte(r.SourceID))
		hasher.Write([]byte(r.Category))
		hasher.Write([]byte(fmt.Sprintf("%f:%f:%d", r.Value, r.QualityWeight, r.Timestamp.UnixNano())))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// FitnessProfile is the computed per-validator fitness snapshot. A new
// computation supersedes the previous profile, never merges with it.
type FitnessProfile struct {
	ValidatorID      string                      `json:"validator_id"`
	CategoryAverages map[ReadingCategory]float64 `json:"category_averages"`
	Authenticity     float64                     `json:"authenticity"`
	QualityScore     float64                     `json:"quality_score"`
	SourceCount      int                         `json:"source_count"`
	ComputedAt       time.Time                   `json:"computed_at"`
}

// CategoryAverage returns the quality-weighted average for a category,
// reporting whether any reading contributed to it.
func (p *FitnessProfile) CategoryAverage(category ReadingCategory) (float64, bool) {
	v, ok := p.CategoryAverages[category]
	return v, ok
}

// ConsensusScore is the per-round derived score for a validator
type ConsensusScore struct {
	ValidatorID           string    `json:"validator_id"`
	FitnessComponent      float64   `json:"fitness_component"`
	AuthenticityComponent float64   `json:"authenticity_component"`
	StabilityComponent    float64   `json:"stability_component"`
	DiversityComponent    float64   `json:"diversity_component"`
	FinalScore            float64   `json:"final_score"`
	Eligible              bool      `json:"eligible"`
	IneligibleReasons     []string  `json:"ineligible_reasons,omitempty"`
	Rank                  int       `json:"rank"`
	ComputedAt            time.Time `json:"computed_at"`
}

// FitnessVote is a validator's vote in a consensus round, carrying its
// consensus score and the batch digest backing it.
type FitnessVote struct {
	ID          string          `json:"id"`
	RoundNumber uint64          `json:"round_number"`
	ValidatorID string          `json:"validator_id"`
	Score       *ConsensusScore `json:"score"`
	ProofHash   string          `json:"proof_hash"`
	Timestamp   time.Time       `json:"timestamp"`
	Signature   []byte          `json:"signature"`
}

// NewFitnessVote creates a vote for a round
func NewFitnessVote(roundNumber uint64, validatorID string, score *ConsensusScore, proofHash string) (*FitnessVote, error) {
	if validatorID == "" {
		return nil, errors.New("validator ID cannot be empty")
	}
	if score == nil {
		return nil, errors.New("score cannot be nil")
	}

	return &FitnessVote{
		ID:          uuid.New().String(),
		RoundNumber: roundNumber,
		ValidatorID: validatorID,
		Score:       score,
		ProofHash:   proofHash,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// SigningBytes returns the canonical byte representation covered by the
// vote signature.
func (v *FitnessVote) SigningBytes() []byte {
	return []byte(fmt.Sprintf("%d:%s:%f:%s:%d",
		v.RoundNumber, v.ValidatorID, v.Score.FinalScore, v.ProofHash, v.Timestamp.UnixNano()))
}

// Validate checks if the vote is well-formed
func (v *FitnessVote) Validate() error {
	if v.ID == "" {
		return ErrInvalidID
	}
	if v.ValidatorID == "" {
		return errors.New("validator ID cannot be empty")
	}
	if v.Score == nil {
		return errors.New("vote must carry a consensus score")
	}
	if v.Score.FinalScore < 0 || v.Score.FinalScore > 100 {
		return errors.New("final score must be between 0 and 100")
	}
	if v.Signature == nil {
		return ErrMissingSignature
	}
	if v.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	return nil
}
