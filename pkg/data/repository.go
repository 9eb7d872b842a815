package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// RoundSummary is the archived outcome of a finished consensus round
type RoundSummary struct {
	RoundNumber uint64    `json:"round_number"`
	Status      string    `json:"status"`
	WinnerID    string    `json:"winner_id,omitempty"`
	Strength    float64   `json:"strength"`
	VoteCount   int       `json:"vote_count"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Repository defines the storage collaborator contract
type Repository interface {
	// Block operations
	StoreBlock(ctx context.Context, block *Block) error
	GetBlock(ctx context.Context, hash string) (*Block, error)
	GetLatestBlock(ctx context.Context) (*Block, error)

	// Validator operations
	StoreValidatorState(ctx context.Context, state *ValidatorState) error
	GetValidatorState(ctx context.Context, validatorID string) (*ValidatorState, error)
	GetAllValidatorStates(ctx context.Context) ([]*ValidatorState, error)
	StoreValidatorStates(ctx context.Context, states []*ValidatorState) error

	// Round history
	StoreRound(ctx context.Context, round *RoundSummary) error
	ListRounds(ctx context.Context, limit int) ([]*RoundSummary, error)
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	repo := &PostgresRepository{
		pool:   pool,
		logger: logger,
	}

	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("preparing schema: %w", err)
	}

	return repo, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS blocks (
			hash TEXT PRIMARY KEY,
			height BIGINT NOT NULL,
			previous_hash TEXT NOT NULL,
			proposer_id TEXT NOT NULL,
			fitness_score DOUBLE PRECISION NOT NULL,
			body JSONB NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS blocks_height_idx ON blocks (height DESC);

		CREATE TABLE IF NOT EXISTS validator_states (
			validator_id TEXT PRIMARY KEY,
			body JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rounds (
			round_number BIGINT PRIMARY KEY,
			status TEXT NOT NULL,
			winner_id TEXT,
			strength DOUBLE PRECISION NOT NULL,
			vote_count INT NOT NULL,
			reason TEXT,
			completed_at TIMESTAMPTZ NOT NULL
		);`

	_, err := r.pool.Exec(ctx, schema)
	return err
}

// StoreBlock persists a block keyed by hash
func (r *PostgresRepository) StoreBlock(ctx context.Context, block *Block) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("validating block: %w", err)
	}

	body, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encoding block: %w", err)
	}

	query := `
		INSERT INTO blocks (hash, height, previous_hash, proposer_id, fitness_score, body, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.pool.Exec(ctx, query,
		block.Hash, block.Height, block.PreviousHash, block.ProposerID,
		block.FitnessScoreAtProposal, body, block.Timestamp,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting block: %w", err)
	}

	return nil
}

// GetBlock retrieves a block by hash
func (r *PostgresRepository) GetBlock(ctx context.Context, hash string) (*Block, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT body FROM blocks WHERE hash = $1`, hash).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying block: %w", err)
	}

	block := &Block{}
	if err := json.Unmarshal(body, block); err != nil {
		return nil, fmt.Errorf("decoding block: %w", err)
	}
	return block, nil
}

// GetLatestBlock retrieves the highest block
func (r *PostgresRepository) GetLatestBlock(ctx context.Context) (*Block, error) {
	var body []byte
	err := r.pool.QueryRow(ctx, `SELECT body FROM blocks ORDER BY height DESC LIMIT 1`).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying latest block: %w", err)
	}

	block := &Block{}
	if err := json.Unmarshal(body, block); err != nil {
		return nil, fmt.Errorf("decoding block: %w", err)
	}
	return block, nil
}

// StoreValidatorState upserts a validator record
func (r *PostgresRepository) StoreValidatorState(ctx context.Context, state *ValidatorState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("validating validator state: %w", err)
	}

	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding validator state: %w", err)
	}

	query := `
		INSERT INTO validator_states (validator_id, body, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (validator_id) DO UPDATE SET body = $2, updated_at = $3`

	if _, err := r.pool.Exec(ctx, query, state.ValidatorID, body, state.UpdatedAt); err != nil {
		return fmt.Errorf("upserting validator state: %w", err)
	}
	return nil
}

// StoreValidatorStates writes a batch of validator records transactionally
func (r *PostgresRepository) StoreValidatorStates(ctx context.Context, states []*ValidatorState) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO validator_states (validator_id, body, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (validator_id) DO UPDATE SET body = $2, updated_at = $3`

	for _, state := range states {
		if err := state.Validate(); err != nil {
			return fmt.Errorf("validating validator state %s: %w", state.ValidatorID, err)
		}
		body, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encoding validator state: %w", err)
		}
		if _, err := tx.Exec(ctx, query, state.ValidatorID, body, state.UpdatedAt); err != nil {
			return fmt.Errorf("upserting validator state %s: %w", state.ValidatorID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetValidatorState retrieves a validator record by ID
func (r *PostgresRepository) GetValidatorState(ctx context.Context, validatorID string) (*ValidatorState, error) {
	var body []byte
	err := r.pool.QueryRow(ctx,
		`SELECT body FROM validator_states WHERE validator_id = $1`, validatorID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying validator state: %w", err)
	}

	state := &ValidatorState{}
	if err := json.Unmarshal(body, state); err != nil {
		return nil, fmt.Errorf("decoding validator state: %w", err)
	}
	return state, nil
}

// GetAllValidatorStates retrieves every validator record
func (r *PostgresRepository) GetAllValidatorStates(ctx context.Context) ([]*ValidatorState, error) {
	rows, err := r.pool.Query(ctx, `SELECT body FROM validator_states`)
	if err != nil {
		return nil, fmt.Errorf("querying validator states: %w", err)
	}
	defer rows.Close()

	var states []*ValidatorState
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning validator state: %w", err)
		}
		state := &ValidatorState{}
		if err := json.Unmarshal(body, state); err != nil {
			return nil, fmt.Errorf("decoding validator state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating validator states: %w", err)
	}
	return states, nil
}

// StoreRound archives a finished round
func (r *PostgresRepository) StoreRound(ctx context.Context, round *RoundSummary) error {
	query := `
		INSERT INTO rounds (round_number, status, winner_id, strength, vote_count, reason, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		round.RoundNumber, round.Status, round.WinnerID, round.Strength,
		round.VoteCount, round.Reason, round.CompletedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting round: %w", err)
	}
	return nil
}

// ListRounds returns the most recent round summaries
func (r *PostgresRepository) ListRounds(ctx context.Context, limit int) ([]*RoundSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT round_number, status, winner_id, strength, vote_count, reason, completed_at
		FROM rounds ORDER BY round_number DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*RoundSummary
	for rows.Next() {
		round := &RoundSummary{}
		if err := rows.Scan(&round.RoundNumber, &round.Status, &round.WinnerID,
			&round.Strength, &round.VoteCount, &round.Reason, &round.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning round: %w", err)
		}
		rounds = append(rounds, round)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rounds: %w", err)
	}
	return rounds, nil
}

// isPgDuplicateError checks for PostgreSQL unique violations
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
