package data

import (
	"errors"
	"time"
)

// Reputation bounds shared by registry and slashing policy
const (
	MinReputation     = 0.0
	MaxReputation     = 100.0
	InitialReputation = 50.0
)

// ValidatorState is the long-lived record for a network validator. Mutated
// only by the registry and the slashing policy.
type ValidatorState struct {
	ValidatorID         string    `json:"validator_id"`
	Address             string    `json:"address"`
	PublicKey           []byte    `json:"public_key"`
	IsOnline            bool      `json:"is_online"`
	IsActive            bool      `json:"is_active"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	Reputation          float64   `json:"reputation"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalVotes          uint64    `json:"total_votes"`
	SuccessfulVotes     uint64    `json:"successful_votes"`
	Stake               float64   `json:"stake"`
	Balance             float64   `json:"balance"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewValidatorState creates a validator record with neutral reputation
func NewValidatorState(validatorID string, publicKey []byte, stake float64) (*ValidatorState, error) {
	if validatorID == "" {
		return nil, errors.New("validator ID cannot be empty")
	}
	if stake < 0 {
		return nil, errors.New("stake cannot be negative")
	}

	now := time.Now().UTC()
	return &ValidatorState{
		ValidatorID:   validatorID,
		PublicKey:     publicKey,
		IsOnline:      true,
		IsActive:      true,
		LastHeartbeat: now,
		Reputation:    InitialReputation,
		Stake:         stake,
		UpdatedAt:     now,
	}, nil
}

// AdjustReputation applies a bounded reputation delta
func (v *ValidatorState) AdjustReputation(delta float64) {
	v.Reputation += delta
	if v.Reputation < MinReputation {
		v.Reputation = MinReputation
	}
	if v.Reputation > MaxReputation {
		v.Reputation = MaxReputation
	}
	v.UpdatedAt = time.Now().UTC()
}

// DeductStake removes amount from the stake with a zero floor
func (v *ValidatorState) DeductStake(amount float64) float64 {
	if amount > v.Stake {
		amount = v.Stake
	}
	v.Stake -= amount
	v.UpdatedAt = time.Now().UTC()
	return amount
}

// Credit adds a reward to the balance. Rewards never decrease balance.
func (v *ValidatorState) Credit(amount float64) {
	if amount <= 0 {
		return
	}
	v.Balance += amount
	v.UpdatedAt = time.Now().UTC()
}

// Heartbeat marks the validator alive and clears failure streaks
func (v *ValidatorState) Heartbeat(at time.Time) {
	v.LastHeartbeat = at
	v.IsOnline = true
	v.ConsecutiveFailures = 0
	v.UpdatedAt = time.Now().UTC()
}

// Validate checks the registry invariants
func (v *ValidatorState) Validate() error {
	if v.ValidatorID == "" {
		return ErrInvalidID
	}
	if v.Reputation < MinReputation || v.Reputation > MaxReputation {
		return errors.New("reputation out of range")
	}
	if v.Stake < 0 {
		return errors.New("stake cannot be negative")
	}
	return nil
}

// PeerInfo tracks transport-level quality for a connected peer
type PeerInfo struct {
	PeerID      string        `json:"peer_id"`
	Latency     time.Duration `json:"latency"`
	Reliability float64       `json:"reliability"`
	IsValidator bool          `json:"is_validator"`
	LastSeen    time.Time     `json:"last_seen"`
}
