package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"fitchain/pkg/config"
	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/registry"
)

// Reputation deltas applied at round boundaries
const (
	reputationVoter    = 1.0
	reputationWinner   = 5.0
	reputationNonVoter = -3.0
)

// Engine drives the fitness-weighted BFT round state machine. One engine is
// authoritative per node; all round mutation funnels through its lock while
// timers run on wall-clock schedules independent of vote arrival.
type Engine struct {
	cfg        config.ConsensusConfig
	validators *registry.ValidatorRegistry
	provider   crypto.Provider
	repo       data.Repository
	publisher  Publisher
	logger     *zap.Logger

	current     *Round
	roundNumber uint64
	history     []*data.RoundSummary
	allVoted    chan struct{}

	// onVotingOpened lets the node cast its own vote as soon as a round
	// opens. May be nil.
	onVotingOpened func(RoundInfo)

	stats Stats
	now   func() time.Time
	mu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the consensus round engine
func NewEngine(cfg config.ConsensusConfig, validators *registry.ValidatorRegistry, provider crypto.Provider, repo data.Repository, publisher Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		validators: validators,
		provider:   provider,
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		now:        time.Now,
	}
}

// SetVotingOpenedHook registers the callback invoked when a round enters
// VOTING. Must be called before Start.
func (e *Engine) SetVotingOpenedHook(fn func(RoundInfo)) {
	e.onVotingOpened = fn
}

// Start launches the round-advancement loop
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.runLoop()

	e.logger.Info("Consensus engine started",
		zap.Int("minQuorum", e.cfg.MinQuorum),
		zap.Duration("votingDuration", e.cfg.VotingDuration))
	return nil
}

// Stop halts round advancement
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Consensus engine stopped")
}

// SubmitVote records a validator's vote for the active round. Votes for a
// closed or future round are dropped. Within VOTING a validator's newer
// vote overwrites its earlier one.
func (e *Engine) SubmitVote(vote *data.FitnessVote) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	round := e.current
	if round == nil || round.Status != StatusVoting {
		e.stats.VotesRejected++
		return fmt.Errorf("no open voting round")
	}
	if vote == nil || vote.RoundNumber != round.Number {
		e.stats.VotesRejected++
		return fmt.Errorf("vote is not for round %d", round.Number)
	}

	if reason := e.rejectReason(round, vote); reason != "" {
		round.Rejected[vote.ValidatorID] = reason
		e.stats.VotesRejected++
		e.logger.Debug("Vote rejected",
			zap.Uint64("round", round.Number),
			zap.String("validatorID", vote.ValidatorID),
			zap.String("reason", reason))
		return fmt.Errorf("vote rejected: %s", reason)
	}

	_, revote := round.Votes[vote.ValidatorID]
	round.Votes[vote.ValidatorID] = vote
	if !revote {
		e.stats.VotesAccepted++
		e.validators.Update(vote.ValidatorID, func(s *data.ValidatorState) {
			s.TotalVotes++
		})
	}

	if len(round.Votes) == len(round.Participants) && e.allVoted != nil {
		close(e.allVoted)
		e.allVoted = nil
	}
	return nil
}

// CurrentRound returns a snapshot of the active round
func (e *Engine) CurrentRound() RoundInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return RoundInfo{Number: e.roundNumber, Status: StatusPreparing}
	}
	return RoundInfo{
		Number:       e.current.Number,
		Status:       e.current.Status,
		StartTime:    e.current.StartTime,
		Participants: len(e.current.Participants),
		VoteCount:    len(e.current.Votes),
	}
}

// History returns the archived round summaries, oldest first
func (e *Engine) History() []*data.RoundSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*data.RoundSummary, len(e.history))
	copy(out, e.history)
	return out
}

// GetStats returns the engine's operational snapshot
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ByzantineThreshold is the tolerated adversarial participant count
func ByzantineThreshold(participants int, fraction float64) int {
	return int(math.Floor(float64(participants) * fraction))
}

// RequiredVotes is the completion threshold for a round
func RequiredVotes(participants int, fraction, threshold float64) int {
	byz := ByzantineThreshold(participants, fraction)
	return int(math.Ceil(float64(participants-byz) * threshold))
}

// Private methods

func (e *Engine) runLoop() {
	defer e.wg.Done()

	for {
		if e.ctx.Err() != nil {
			return
		}

		participants := e.prepare()
		if participants == nil {
			// Quorum not reached; retry without consuming a round number
			if !e.sleep(e.cfg.PreparationBackoff) {
				return
			}
			continue
		}

		e.runRound(participants)

		if !e.sleep(e.cfg.InterRoundDelay) {
			return
		}
	}
}

// prepare snapshots the participant set, or returns nil when quorum is not
// reached.
func (e *Engine) prepare() []string {
	online := e.validators.Online()
	if len(online) < e.cfg.MinQuorum {
		e.logger.Debug("Waiting for quorum",
			zap.Int("online", len(online)),
			zap.Int("minQuorum", e.cfg.MinQuorum))
		return nil
	}

	participants := make([]string, len(online))
	for i, v := range online {
		participants[i] = v.ValidatorID
	}
	return participants
}

func (e *Engine) runRound(participants []string) {
	allVoted := e.openVoting(participants)

	// Wall-clock voting window; a stalled peer never extends it
	timer := time.NewTimer(e.cfg.VotingDuration)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-allVoted:
	case <-e.ctx.Done():
		return
	}

	result := e.countVotes()
	e.applyRoundOutcome(result)
}

// openVoting starts the next round and returns the early-finalize channel
func (e *Engine) openVoting(participants []string) <-chan struct{} {
	e.mu.Lock()

	e.roundNumber++
	round := &Round{
		Number:       e.roundNumber,
		StartTime:    e.now(),
		Duration:     e.cfg.VotingDuration,
		Participants: participants,
		Votes:        make(map[string]*data.FitnessVote),
		Rejected:     make(map[string]string),
		Status:       StatusVoting,
	}
	e.current = round
	e.allVoted = make(chan struct{})
	allVoted := e.allVoted

	info := RoundInfo{
		Number:       round.Number,
		Status:       round.Status,
		StartTime:    round.StartTime,
		Participants: len(participants),
	}
	hook := e.onVotingOpened
	e.mu.Unlock()

	e.logger.Info("Voting opened",
		zap.Uint64("round", info.Number),
		zap.Int("participants", info.Participants))

	if hook != nil {
		hook(info)
	}
	return allVoted
}

// rejectReason validates a vote against the round; empty means accepted
func (e *Engine) rejectReason(round *Round, vote *data.FitnessVote) string {
	if err := vote.Validate(); err != nil {
		return err.Error()
	}

	inSet := false
	for _, id := range round.Participants {
		if id == vote.ValidatorID {
			inSet = true
			break
		}
	}
	if !inSet {
		return "validator not in participant set"
	}

	key := e.validators.PublicKey(vote.ValidatorID)
	if key == nil {
		return "unknown validator key"
	}
	if !e.provider.Verify(vote.SigningBytes(), vote.Signature, key) {
		return "signature verification failed"
	}
	return ""
}

// countVotes transitions the round through COUNTING to its terminal state
func (e *Engine) countVotes() *RoundResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	round := e.current
	round.Status = StatusCounting
	e.allVoted = nil

	participants := len(round.Participants)
	byzantine := ByzantineThreshold(participants, e.cfg.ByzantineFraction)
	required := RequiredVotes(participants, e.cfg.ByzantineFraction, e.cfg.VoteThreshold)

	eligible := make([]*data.FitnessVote, 0, len(round.Votes))
	for _, vote := range round.Votes {
		if vote.Score.Eligible {
			eligible = append(eligible, vote)
		}
	}

	voters := make([]string, 0, len(round.Votes))
	for id := range round.Votes {
		voters = append(voters, id)
	}
	sort.Strings(voters)

	result := &RoundResult{
		RoundNumber:   round.Number,
		VoteCount:     len(round.Votes),
		EligibleCount: len(eligible),
		VoterIDs:      voters,
		CompletedAt:   e.now(),
	}

	switch {
	case len(round.Votes) < required:
		result.Status = StatusFailed
		if len(round.Rejected) > byzantine {
			result.Reason = ReasonByzantineExceeded
		} else {
			result.Reason = ReasonInsufficientVotes
		}
	case len(eligible) == 0:
		result.Status = StatusFailed
		result.Reason = ReasonNoEligible
	default:
		winner := e.selectWinner(eligible)
		result.Status = StatusCompleted
		result.WinnerID = winner.ValidatorID
		result.WinnerScore = winner.Score.FinalScore
		result.Strength = consensusStrength(eligible, participants)
	}

	round.Status = result.Status
	round.Result = result
	return result
}

// selectWinner applies fair rotation over the eligible set: deterministic
// round-robin keyed by the current epoch, so long-run selection probability
// is equal regardless of score ordering.
func (e *Engine) selectWinner(eligible []*data.FitnessVote) *data.FitnessVote {
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ValidatorID < eligible[j].ValidatorID
	})

	epoch := e.now().Unix() / int64(e.cfg.EpochLength.Seconds())
	idx := int(epoch % int64(len(eligible)))
	if idx < 0 {
		idx += len(eligible)
	}
	return eligible[idx]
}

func consensusStrength(eligible []*data.FitnessVote, participants int) float64 {
	if len(eligible) == 0 || participants == 0 {
		return 0
	}
	var sum float64
	for _, vote := range eligible {
		sum += vote.Score.FinalScore
	}
	mean := sum / float64(len(eligible))
	ratio := float64(len(eligible)) / float64(participants)
	return 0.7*mean + 0.3*100*ratio
}

// applyRoundOutcome updates reputations, archives the round, and publishes
// the result.
func (e *Engine) applyRoundOutcome(result *RoundResult) {
	e.mu.Lock()
	round := e.current
	e.mu.Unlock()

	for _, id := range round.Participants {
		if _, voted := round.Votes[id]; voted {
			delta := reputationVoter
			if id == result.WinnerID {
				delta = reputationWinner
			}
			e.validators.Update(id, func(s *data.ValidatorState) {
				s.AdjustReputation(delta)
				s.ConsecutiveFailures = 0
				if result.Status == StatusCompleted {
					s.SuccessfulVotes++
				}
			})
			continue
		}

		e.validators.Update(id, func(s *data.ValidatorState) {
			s.AdjustReputation(reputationNonVoter)
		})
		e.validators.RecordMissedVote(id)
	}

	summary := &data.RoundSummary{
		RoundNumber: result.RoundNumber,
		Status:      string(result.Status),
		WinnerID:    result.WinnerID,
		Strength:    result.Strength,
		VoteCount:   result.VoteCount,
		Reason:      result.Reason,
		CompletedAt: result.CompletedAt,
	}
	e.archive(summary)

	if e.repo != nil {
		if err := e.repo.StoreRound(e.ctx, summary); err != nil {
			e.logger.Warn("Failed to persist round summary",
				zap.Uint64("round", result.RoundNumber),
				zap.Error(err))
		}
	}

	if e.publisher != nil {
		if err := e.publisher.PublishResult(result); err != nil {
			e.logger.Warn("Failed to publish round result",
				zap.Uint64("round", result.RoundNumber),
				zap.Error(err))
		}
	}

	if result.Status == StatusCompleted {
		e.logger.Info("Round completed",
			zap.Uint64("round", result.RoundNumber),
			zap.String("winnerID", result.WinnerID),
			zap.Float64("strength", result.Strength),
			zap.Int("votes", result.VoteCount))
	} else {
		e.logger.Warn("Round failed",
			zap.Uint64("round", result.RoundNumber),
			zap.String("reason", result.Reason),
			zap.Int("votes", result.VoteCount))
	}
}

// archive appends to the bounded FIFO history
func (e *Engine) archive(summary *data.RoundSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, summary)
	if len(e.history) > e.cfg.HistoryCapacity {
		e.history = e.history[len(e.history)-e.cfg.HistoryCapacity:]
	}

	if summary.Status == string(StatusCompleted) {
		e.stats.RoundsCompleted++
		e.stats.LastStrength = summary.Strength
		e.stats.LastWinnerID = summary.WinnerID
	} else {
		e.stats.RoundsFailed++
	}
	e.stats.CurrentRound = e.roundNumber
	e.stats.CurrentStatus = e.current.Status
	e.stats.LastUpdate = time.Now()
}

// sleep waits for d unless the engine is stopping
func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.ctx.Done():
		return false
	}
}
