package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fitchain/pkg/crypto"
	"fitchain/pkg/data"
	"fitchain/pkg/utils"
)

// ProtocolVersion is the wire version all envelopes carry. Envelopes with
// a different version are dropped.
const ProtocolVersion = "1.0.0"

// MessageType identifies the payload carried by an envelope
type MessageType string

const (
	BiometricProofMessage  MessageType = "BiometricProof"
	VoteMessage            MessageType = "Vote"
	BlockProposalMessage   MessageType = "BlockProposal"
	ConsensusResultMessage MessageType = "ConsensusResult"
	BlockRequestMessage    MessageType = "BlockRequest"
	PeerChallengeMessage   MessageType = "PeerChallenge"
	NetworkStatusMessage   MessageType = "NetworkStatus"
)

var (
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrBadSignature     = errors.New("envelope signature verification failed")
	ErrUnknownType      = errors.New("unknown message type")
	ErrMalformedPayload = errors.New("malformed payload")
)

// Envelope wraps every outbound message. The signature covers the payload
// bytes and the timestamp.
type Envelope struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Signature []byte          `json:"signature"`
	PublicKey []byte          `json:"public_key"`
}

// NewEnvelope builds a signed envelope around a payload
func NewEnvelope(msgType MessageType, senderID string, payload interface{}, provider crypto.Provider) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      msgType,
		ID:        utils.GenerateMessageID(),
		SenderID:  senderID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		PublicKey: provider.PublicKey(),
	}

	signature, err := provider.Sign(env.signingBytes())
	if err != nil {
		return nil, fmt.Errorf("signing envelope: %w", err)
	}
	env.Signature = signature

	return env, nil
}

// signingBytes is the byte sequence the envelope signature covers
func (e *Envelope) signingBytes() []byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(e.Timestamp.UnixNano()))
	buf := make([]byte, 0, len(e.Payload)+len(ts))
	buf = append(buf, e.Payload...)
	return append(buf, ts...)
}

// Marshal serializes the envelope
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw wire bytes into a verified envelope. Version and
// signature failures are returned as typed errors so the peer loop can
// drop the message without crashing.
func Decode(raw []byte, provider crypto.Provider) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, env.Version, ProtocolVersion)
	}

	if !provider.Verify(env.signingBytes(), env.Signature, env.PublicKey) {
		return nil, ErrBadSignature
	}

	return env, nil
}

// DecodePayload unmarshals the typed payload of a verified envelope
func (e *Envelope) DecodePayload() (interface{}, error) {
	switch e.Type {
	case BiometricProofMessage:
		payload := &BiometricProof{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case VoteMessage:
		payload := &data.FitnessVote{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case BlockProposalMessage:
		payload := &BlockProposal{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case ConsensusResultMessage:
		payload := &ConsensusResult{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case BlockRequestMessage:
		payload := &BlockRequest{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case PeerChallengeMessage:
		payload := &PeerChallenge{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	case NetworkStatusMessage:
		payload := &NetworkStatus{}
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
}

// BiometricProof carries a reading batch and its attestation
type BiometricProof struct {
	Batch *data.ReadingBatch `json:"batch"`
}

// BlockProposal carries a proposed block and the votes supporting it
type BlockProposal struct {
	Block           *data.Block         `json:"block"`
	SupportingVotes []*data.FitnessVote `json:"supporting_votes"`
}

// ConsensusResult announces a finished round
type ConsensusResult struct {
	RoundNumber uint64            `json:"round_number"`
	WinnerID    string            `json:"winner_id"`
	Strength    float64           `json:"strength"`
	Signatures  map[string][]byte `json:"signatures"`
}

// BlockRequest asks peers to resend a block by hash, used when an orphan's
// parent is missing locally.
type BlockRequest struct {
	BlockHash string `json:"block_hash"`
}

// ChallengeKind distinguishes the peer challenge flavors
type ChallengeKind string

const (
	ChallengeLiveness   ChallengeKind = "liveness"
	ChallengeReputation ChallengeKind = "reputation"
	ChallengeVerify     ChallengeKind = "verify"
)

// PeerChallenge probes a peer for liveness, reputation, or re-verification
type PeerChallenge struct {
	Kind     ChallengeKind `json:"kind"`
	TargetID string        `json:"target_id"`
	Token    string        `json:"token"`
	Nonce    string        `json:"nonce"`
}

// NetworkStatus is the periodic heartbeat
type NetworkStatus struct {
	ValidatorID string    `json:"validator_id"`
	IsValidator bool      `json:"is_validator"`
	BlockHeight uint64    `json:"block_height"`
	PeerCount   int       `json:"peer_count"`
	SentAt      time.Time `json:"sent_at"`
}
