package consensus

import (
	"time"

	"fitchain/pkg/data"
)

// RoundStatus is the round state machine position
type RoundStatus string

const (
	StatusPreparing RoundStatus = "PREPARING"
	StatusVoting    RoundStatus = "VOTING"
	StatusCounting  RoundStatus = "COUNTING"
	StatusCompleted RoundStatus = "COMPLETED"
	StatusFailed    RoundStatus = "FAILED"
)

// Round failure reasons surfaced to operators
const (
	ReasonByzantineExceeded = "byzantine threshold exceeded"
	ReasonInsufficientVotes = "insufficient votes"
	ReasonNoEligible        = "no eligible validators"
)

// Round tracks one consensus round from opening to archival. Transitions
// are monotonic; a finished round is immutable except for archival.
type Round struct {
	Number       uint64
	StartTime    time.Time
	Duration     time.Duration
	Participants []string
	Votes        map[string]*data.FitnessVote
	Rejected     map[string]string
	Status       RoundStatus
	Result       *RoundResult
}

// RoundResult is the outcome of a counted round
type RoundResult struct {
	RoundNumber   uint64    `json:"round_number"`
	Status        RoundStatus `json:"status"`
	WinnerID      string    `json:"winner_id,omitempty"`
	WinnerScore   float64   `json:"winner_score,omitempty"`
	Strength      float64   `json:"strength"`
	VoteCount     int       `json:"vote_count"`
	EligibleCount int       `json:"eligible_count"`
	VoterIDs      []string  `json:"voter_ids,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// RoundInfo is a read-only snapshot of the active round
type RoundInfo struct {
	Number       uint64
	Status       RoundStatus
	StartTime    time.Time
	Participants int
	VoteCount    int
}

// Stats is the engine's read-only operational snapshot
type Stats struct {
	CurrentRound    uint64
	CurrentStatus   RoundStatus
	RoundsCompleted uint64
	RoundsFailed    uint64
	VotesAccepted   uint64
	VotesRejected   uint64
	LastStrength    float64
	LastWinnerID    string
	LastUpdate      time.Time
}

// Publisher broadcasts round outcomes to the network
type Publisher interface {
	PublishResult(result *RoundResult) error
}
