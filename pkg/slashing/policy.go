package slashing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/data"
	"fitchain/pkg/fitness"
	"fitchain/pkg/registry"
)

// Severity classifies an offense
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Offense names a slashable behavior
type Offense string

const (
	OffenseManipulation    Offense = "score_manipulation"
	OffensePoorPerformance Offense = "poor_performance"
	OffenseOffline         Offense = "offline"
)

// Stake penalties as a fraction of current stake
const (
	manipulationStakeFraction = 0.10
	performanceStakeFraction  = 0.02
	offlineStakeFraction      = 0.01
)

// Reputation penalties per severity
const (
	reputationCritical = 20.0
	reputationMajor    = 10.0
	reputationMinor    = 5.0
)

// Manipulation detection thresholds
const (
	scoreJumpDelta    = 20.0
	scoreJumpWindow   = 30 * time.Second
	perfectScoreFloor = 99.0
	perfectShareLimit = 0.70
)

// Poor performance thresholds
const (
	currentScoreFloor = 50.0
	averageScoreFloor = 60.0
)

// highFitnessThreshold is the score above which the winner earns the bonus
const highFitnessThreshold = 90.0

// Sustained-participation bonus thresholds: a voter with at least
// sustainedMinVotes rounds behind it and a success ratio at or above
// sustainedRatioFloor earns the bonus on top of the participation reward.
const (
	sustainedMinVotes   = 10
	sustainedRatioFloor = 0.90
)

// Event records one applied penalty
type Event struct {
	ValidatorID       string    `json:"validator_id"`
	Offense           Offense   `json:"offense"`
	Severity          Severity  `json:"severity"`
	StakePenalty      float64   `json:"stake_penalty"`
	ReputationPenalty float64   `json:"reputation_penalty"`
	Deactivated       bool      `json:"deactivated"`
	At                time.Time `json:"at"`
}

// HistorySource exposes per-validator base fitness history
type HistorySource interface {
	History(validatorID string) []fitness.ScorePoint
}

// PolicyMetrics tracks slashing activity
type PolicyMetrics struct {
	SweepsRun        uint64
	PenaltiesApplied uint64
	StakeSlashed     float64
	RewardsCredited  float64
	Deactivations    uint64
	LastSweep        time.Time
}

// Policy detects offenses and applies stake and reputation penalties. It is
// the only component besides the registry allowed to mutate validator
// economics.
type Policy struct {
	cfg        config.SlashingConfig
	validators *registry.ValidatorRegistry
	history    HistorySource
	logger     *zap.Logger

	events    []Event
	metrics   *PolicyMetrics
	metricsMu sync.RWMutex
	now       func() time.Time
	mu        sync.Mutex
}

// NewPolicy creates a slashing policy
func NewPolicy(cfg config.SlashingConfig, validators *registry.ValidatorRegistry, history HistorySource, logger *zap.Logger) *Policy {
	return &Policy{
		cfg:        cfg,
		validators: validators,
		history:    history,
		logger:     logger,
		metrics:    &PolicyMetrics{},
		now:        time.Now,
	}
}

// Sweep evaluates every validator once and applies any penalties found. A
// validator can accrue at most one penalty per offense per sweep.
func (p *Policy) Sweep() []Event {
	var applied []Event

	for _, state := range p.validators.All() {
		if !state.IsActive {
			continue
		}
		for _, offense := range p.detect(state) {
			applied = append(applied, p.apply(state.ValidatorID, offense))
		}
	}

	p.metricsMu.Lock()
	p.metrics.SweepsRun++
	p.metrics.LastSweep = p.now()
	p.metricsMu.Unlock()

	return applied
}

// RewardWinner credits the round winner. Rewards only ever increase the
// balance.
func (p *Policy) RewardWinner(validatorID string, finalScore float64) {
	reward := p.cfg.BaseBlockReward
	if finalScore >= highFitnessThreshold {
		reward += p.cfg.HighFitnessBonus
	}

	err := p.validators.Update(validatorID, func(state *data.ValidatorState) {
		state.Credit(reward)
	})
	if err != nil {
		p.logger.Warn("Failed to credit reward",
			zap.String("validatorID", validatorID),
			zap.Error(err))
		return
	}

	p.metricsMu.Lock()
	p.metrics.RewardsCredited += reward
	p.metricsMu.Unlock()

	p.logger.Info("Reward credited",
		zap.String("validatorID", validatorID),
		zap.Float64("reward", reward))
}

// RewardParticipants credits every voter in a completed round with the
// base block reward. Validators with a long record of successful voting
// earn the sustained-participation bonus on top.
func (p *Policy) RewardParticipants(voterIDs []string) {
	for _, validatorID := range voterIDs {
		reward := p.cfg.BaseBlockReward

		err := p.validators.Update(validatorID, func(state *data.ValidatorState) {
			if sustainedParticipation(state) {
				reward += p.cfg.SustainedBonus
			}
			state.Credit(reward)
		})
		if err != nil {
			p.logger.Warn("Failed to credit participation reward",
				zap.String("validatorID", validatorID),
				zap.Error(err))
			continue
		}

		p.metricsMu.Lock()
		p.metrics.RewardsCredited += reward
		p.metricsMu.Unlock()
	}
}

// Events returns a copy of the applied penalty log
func (p *Policy) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// GetMetrics returns a snapshot of slashing activity
func (p *Policy) GetMetrics() PolicyMetrics {
	p.metricsMu.RLock()
	defer p.metricsMu.RUnlock()

	return PolicyMetrics{
		SweepsRun:        p.metrics.SweepsRun,
		PenaltiesApplied: p.metrics.PenaltiesApplied,
		StakeSlashed:     p.metrics.StakeSlashed,
		RewardsCredited:  p.metrics.RewardsCredited,
		Deactivations:    p.metrics.Deactivations,
		LastSweep:        p.metrics.LastSweep,
	}
}

// SeverityOf maps an offense to its severity class
func SeverityOf(offense Offense) Severity {
	switch offense {
	case OffenseManipulation:
		return SeverityMajor
	case OffensePoorPerformance, OffenseOffline:
		return SeverityMinor
	default:
		return SeverityCritical
	}
}

// Private methods

// detect returns the offenses a validator is currently committing
func (p *Policy) detect(state *data.ValidatorState) []Offense {
	var offenses []Offense

	points := p.history.History(state.ValidatorID)

	if detectManipulation(points) {
		offenses = append(offenses, OffenseManipulation)
	}
	if detectPoorPerformance(points) {
		offenses = append(offenses, OffensePoorPerformance)
	}
	if state.IsOnline && p.now().Sub(state.LastHeartbeat) > p.cfg.OfflineTimeout {
		offenses = append(offenses, OffenseOffline)
	}
	return offenses
}

// detectManipulation flags implausible score trajectories: a jump larger
// than scoreJumpDelta between readings under scoreJumpWindow apart, or a
// history dominated by near-perfect scores.
func detectManipulation(points []fitness.ScorePoint) bool {
	for i := 1; i < len(points); i++ {
		delta := points[i].Score - points[i-1].Score
		if delta < 0 {
			delta = -delta
		}
		gap := points[i].At.Sub(points[i-1].At)
		if delta > scoreJumpDelta && gap < scoreJumpWindow {
			return true
		}
	}

	if len(points) == 0 {
		return false
	}
	perfect := 0
	for _, point := range points {
		if point.Score >= perfectScoreFloor {
			perfect++
		}
	}
	return float64(perfect)/float64(len(points)) > perfectShareLimit
}

// detectPoorPerformance flags a validator whose current and average scores
// are both below their floors.
func detectPoorPerformance(points []fitness.ScorePoint) bool {
	if len(points) == 0 {
		return false
	}

	current := points[len(points)-1].Score
	var sum float64
	for _, point := range points {
		sum += point.Score
	}
	average := sum / float64(len(points))

	return current < currentScoreFloor && average < averageScoreFloor
}

// apply deducts stake and reputation for one offense and deactivates the
// validator if it falls below the economic floor.
func (p *Policy) apply(validatorID string, offense Offense) Event {
	severity := SeverityOf(offense)

	event := Event{
		ValidatorID:       validatorID,
		Offense:           offense,
		Severity:          severity,
		ReputationPenalty: reputationPenalty(severity),
		At:                p.now(),
	}

	p.validators.Update(validatorID, func(state *data.ValidatorState) {
		event.StakePenalty = state.DeductStake(state.Stake * stakeFraction(offense))
		state.AdjustReputation(-event.ReputationPenalty)

		if state.Stake < p.cfg.MinStake || state.Reputation < p.cfg.MinReputation {
			state.IsActive = false
			event.Deactivated = true
		}
	})

	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()

	p.metricsMu.Lock()
	p.metrics.PenaltiesApplied++
	p.metrics.StakeSlashed += event.StakePenalty
	if event.Deactivated {
		p.metrics.Deactivations++
	}
	p.metricsMu.Unlock()

	p.logger.Warn("Penalty applied",
		zap.String("validatorID", validatorID),
		zap.String("offense", string(offense)),
		zap.String("severity", string(severity)),
		zap.Float64("stakePenalty", event.StakePenalty),
		zap.Bool("deactivated", event.Deactivated))

	return event
}

func sustainedParticipation(state *data.ValidatorState) bool {
	if state.TotalVotes < sustainedMinVotes {
		return false
	}
	return float64(state.SuccessfulVotes)/float64(state.TotalVotes) >= sustainedRatioFloor
}

func stakeFraction(offense Offense) float64 {
	switch offense {
	case OffenseManipulation:
		return manipulationStakeFraction
	case OffensePoorPerformance:
		return performanceStakeFraction
	case OffenseOffline:
		return offlineStakeFraction
	default:
		return 0
	}
}

func reputationPenalty(severity Severity) float64 {
	switch severity {
	case SeverityCritical:
		return reputationCritical
	case SeverityMajor:
		return reputationMajor
	default:
		return reputationMinor
	}
}
