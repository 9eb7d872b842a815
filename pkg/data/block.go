package data

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transaction is a single transfer carried by a block
type Transaction struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Signature []byte    `json:"signature"`
}

// NewTransaction creates a transaction with validation
func NewTransaction(from, to string, amount float64) (*Transaction, error) {
	if from == "" || to == "" {
		return nil, errors.New("transaction endpoints cannot be empty")
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	return &Transaction{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Validate checks structural validity of the transaction
func (t *Transaction) Validate() error {
	if t.From == "" {
		return errors.New("sender cannot be empty")
	}
	if t.To == "" {
		return errors.New("recipient cannot be empty")
	}
	if t.Amount < 0 {
		return ErrInvalidAmount
	}
	if t.Signature == nil {
		return ErrMissingSignature
	}
	return nil
}

// FitnessProof is the proposer's embedded evidence that its fitness score
// was backed by attested readings at proposal time.
type FitnessProof struct {
	ProfileHash      string    `json:"profile_hash"`
	AttestationCount int       `json:"attestation_count"`
	Score            float64   `json:"score"`
	IssuedAt         time.Time `json:"issued_at"`
}

// Validate checks structural validity of the fitness proof
func (p *FitnessProof) Validate() error {
	if p.ProfileHash == "" {
		return errors.New("profile hash cannot be empty")
	}
	if p.AttestationCount < 1 {
		return errors.New("proof must reference at least one attestation")
	}
	if p.Score < 0 || p.Score > 100 {
		return errors.New("proof score must be between 0 and 100")
	}
	return nil
}

// Block is a chain entry created by the round winner. Once signed it is
// immutable and referenced by hash.
type Block struct {
	Height                 uint64        `json:"height"`
	PreviousHash           string        `json:"previous_hash"`
	Transactions           []Transaction `json:"transactions"`
	Timestamp              time.Time     `json:"timestamp"`
	ProposerID             string        `json:"proposer_id"`
	FitnessScoreAtProposal float64       `json:"fitness_score_at_proposal"`
	FitnessProof           *FitnessProof `json:"fitness_proof"`
	Hash                   string        `json:"hash"`
	Signature              []byte        `json:"signature"`
}

// NewBlock builds an unsigned block on top of a parent
func NewBlock(parent *Block, transactions []Transaction, proposerID string, score float64, proof *FitnessProof) *Block {
	block := &Block{
		Transactions:           transactions,
		Timestamp:              time.Now().UTC(),
		ProposerID:             proposerID,
		FitnessScoreAtProposal: score,
		FitnessProof:           proof,
	}
	if parent != nil {
		block.Height = parent.Height + 1
		block.PreviousHash = parent.Hash
	}
	block.Hash = block.ComputeHash()
	return block
}

// ComputeHash derives the canonical block hash over the header and
// transaction ids. The signature is not part of the digest.
func (b *Block) ComputeHash() string {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%d:%s:%d:%s:%f",
		b.Height, b.PreviousHash, b.Timestamp.UnixNano(), b.ProposerID, b.FitnessScoreAtProposal)))
	if b.FitnessProof != nil {
		hasher.Write([]byte(b.FitnessProof.ProfileHash))
	}
	for _, tx := range b.Transactions {
		hasher.Write([]byte(tx.ID))
		hasher.Write([]byte(fmt.Sprintf("%s:%s:%f", tx.From, tx.To, tx.Amount)))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// SigningBytes returns the bytes a proposer signs
func (b *Block) SigningBytes() []byte {
	return []byte(b.Hash)
}

// Validate checks structural validity of the block itself. The full
// five-check pipeline lives in the chain package.
func (b *Block) Validate() error {
	if b.Hash == "" {
		return ErrInvalidID
	}
	if b.ProposerID == "" {
		return errors.New("proposer ID cannot be empty")
	}
	if b.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	if b.Signature == nil {
		return ErrMissingSignature
	}
	if b.FitnessProof == nil {
		return errors.New("block must embed a fitness proof")
	}
	return nil
}
