package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fitchain/pkg/consensus"
	"fitchain/pkg/data"
	"fitchain/pkg/p2p"
	"fitchain/pkg/p2p/message"
)

// registerHandlers wires inbound message types to their components
func (n *Node) registerHandlers() {
	n.host.Handle(message.BiometricProofMessage, n.handleBiometricProof)
	n.host.Handle(message.VoteMessage, n.handleVote)
	n.host.Handle(message.BlockProposalMessage, n.handleBlockProposal)
	n.host.Handle(message.BlockRequestMessage, n.handleBlockRequest)
	n.host.Handle(message.ConsensusResultMessage, n.handleConsensusResult)
	n.host.Handle(message.NetworkStatusMessage, n.handleNetworkStatus)
	n.host.Handle(message.PeerChallengeMessage, n.handlePeerChallenge)
}

func (n *Node) handleBiometricProof(_ context.Context, _ *message.Envelope, payload interface{}, _ string) error {
	proof, ok := payload.(*message.BiometricProof)
	if !ok || proof.Batch == nil {
		return fmt.Errorf("%w: biometric proof without batch", message.ErrMalformedPayload)
	}

	_, err := n.fitness.ProcessBatch(proof.Batch, time.Now())
	if err != nil {
		return fmt.Errorf("processing reading batch: %w", err)
	}
	return nil
}

func (n *Node) handleVote(_ context.Context, _ *message.Envelope, payload interface{}, _ string) error {
	vote, ok := payload.(*data.FitnessVote)
	if !ok {
		return fmt.Errorf("%w: vote payload", message.ErrMalformedPayload)
	}

	// Rejections are part of normal round accounting, not handler errors
	if err := n.consensus.SubmitVote(vote); err != nil {
		n.logger.Debug("Vote not accepted",
			zap.String("validatorID", vote.ValidatorID),
			zap.Error(err))
	}
	return nil
}

func (n *Node) handleBlockProposal(ctx context.Context, _ *message.Envelope, payload interface{}, from string) error {
	proposal, ok := payload.(*message.BlockProposal)
	if !ok || proposal.Block == nil {
		return fmt.Errorf("%w: block proposal without block", message.ErrMalformedPayload)
	}

	result, err := n.pipeline.HandleIncomingBlock(ctx, proposal.Block, from)
	if err != nil {
		return fmt.Errorf("handling block %s: %w", proposal.Block.Hash, err)
	}

	if result.IsValid {
		go n.pipeline.PropagateBlock(n.ctx, proposal.Block, []string{from})
	}
	return nil
}

func (n *Node) handleBlockRequest(ctx context.Context, _ *message.Envelope, payload interface{}, from string) error {
	req, ok := payload.(*message.BlockRequest)
	if !ok {
		return fmt.Errorf("%w: block request payload", message.ErrMalformedPayload)
	}

	block, found := n.pipeline.GetBlock(req.BlockHash)
	if !found {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.cfg.P2P.SendTimeout)
	defer cancel()
	return n.host.SendBlock(sendCtx, from, block)
}

func (n *Node) handleConsensusResult(_ context.Context, env *message.Envelope, payload interface{}, _ string) error {
	result, ok := payload.(*message.ConsensusResult)
	if !ok {
		return fmt.Errorf("%w: consensus result payload", message.ErrMalformedPayload)
	}

	n.logger.Debug("Peer reported round result",
		zap.String("senderID", env.SenderID),
		zap.Uint64("round", result.RoundNumber),
		zap.String("winnerID", result.WinnerID),
		zap.Float64("strength", result.Strength))
	return nil
}

// handleNetworkStatus processes peer heartbeats, registering previously
// unseen validators from the envelope's public key. The claimed validator
// identity must be backed by the key that signed the envelope: a heartbeat
// only counts for the validator whose registered key matches it, so one
// peer cannot refresh another validator's liveness.
func (n *Node) handleNetworkStatus(_ context.Context, env *message.Envelope, payload interface{}, from string) error {
	status, ok := payload.(*message.NetworkStatus)
	if !ok {
		return fmt.Errorf("%w: network status payload", message.ErrMalformedPayload)
	}

	n.peers.Upsert(from, status.IsValidator)

	if status.ValidatorID == "" || status.ValidatorID == n.nodeID {
		return nil
	}

	if registered := n.validators.PublicKey(status.ValidatorID); registered != nil {
		if !bytes.Equal(registered, env.PublicKey) {
			return fmt.Errorf("heartbeat key does not match registered key for %s", status.ValidatorID)
		}
		return n.validators.Heartbeat(status.ValidatorID, status.SentAt)
	}

	// First contact: the claimed identity must derive from the signing key
	if derived := n.provider.Hash(env.PublicKey)[:validatorIDLength]; derived != status.ValidatorID {
		return fmt.Errorf("validator ID %s not derived from sender key", status.ValidatorID)
	}

	state, err := data.NewValidatorState(status.ValidatorID, env.PublicKey, n.cfg.Slashing.MinStake)
	if err != nil {
		return fmt.Errorf("building validator state: %w", err)
	}
	state.Address = from
	if err := n.validators.Register(state); err != nil {
		return fmt.Errorf("registering validator: %w", err)
	}
	return nil
}

func (n *Node) handlePeerChallenge(ctx context.Context, _ *message.Envelope, payload interface{}, from string) error {
	challenge, ok := payload.(*message.PeerChallenge)
	if !ok {
		return fmt.Errorf("%w: peer challenge payload", message.ErrMalformedPayload)
	}
	if challenge.TargetID != n.nodeID {
		return nil
	}

	if err := n.challenges.Redeem(challenge.Token, challenge.TargetID); err != nil {
		n.logger.Warn("Rejected peer challenge",
			zap.String("from", from),
			zap.String("kind", string(challenge.Kind)),
			zap.Error(err))
		return nil
	}

	// Any accepted challenge is answered with a fresh status broadcast
	return n.broadcastHeartbeat(ctx)
}

// broadcastHeartbeat refreshes the node's own liveness and publishes its
// status to the network.
func (n *Node) broadcastHeartbeat(ctx context.Context) error {
	now := time.Now().UTC()
	if err := n.validators.Heartbeat(n.nodeID, now); err != nil {
		return fmt.Errorf("refreshing own heartbeat: %w", err)
	}

	status := &message.NetworkStatus{
		ValidatorID: n.nodeID,
		IsValidator: true,
		BlockHeight: n.pipeline.Height(),
		PeerCount:   n.host.PeerCount(),
		SentAt:      now,
	}
	return n.host.Publish(ctx, p2p.NetworkStatusTopic, message.NetworkStatusMessage, status)
}

// castOwnVote scores the node's own profile and submits a signed vote for
// the round that just opened.
func (n *Node) castOwnVote(info consensus.RoundInfo) {
	profile, _ := n.fitness.Profile(n.nodeID)
	score := n.fitness.ScoreProfile(profile)

	vote, err := data.NewFitnessVote(info.Number, n.nodeID, score, n.profileHash(profile))
	if err != nil {
		n.logger.Warn("Failed to build own vote", zap.Error(err))
		return
	}

	vote.Signature, err = n.provider.Sign(vote.SigningBytes())
	if err != nil {
		n.logger.Warn("Failed to sign own vote", zap.Error(err))
		return
	}

	if err := n.consensus.SubmitVote(vote); err != nil {
		n.logger.Warn("Own vote rejected",
			zap.Uint64("round", info.Number),
			zap.Error(err))
		return
	}

	if err := n.host.Publish(n.ctx, p2p.EmotionalVotesTopic, message.VoteMessage, vote); err != nil {
		n.logger.Warn("Failed to broadcast vote",
			zap.Uint64("round", info.Number),
			zap.Error(err))
	}
}

// PublishResult broadcasts a finished round and, when this node won,
// proposes the next block. Implements the consensus publisher contract.
func (n *Node) PublishResult(result *consensus.RoundResult) error {
	announcement := &message.ConsensusResult{
		RoundNumber: result.RoundNumber,
		WinnerID:    result.WinnerID,
		Strength:    result.Strength,
	}
	if err := n.host.Publish(n.ctx, p2p.ConsensusResultsTopic, message.ConsensusResultMessage, announcement); err != nil {
		return fmt.Errorf("broadcasting round result: %w", err)
	}

	n.applyRoundEconomics(result)

	if result.Status == consensus.StatusCompleted && result.WinnerID == n.nodeID {
		if err := n.proposeBlock(result); err != nil {
			return fmt.Errorf("proposing block: %w", err)
		}
	}
	return nil
}

// applyRoundEconomics settles rewards for a finished round and evaluates
// slashing conditions at the round boundary, in addition to the periodic
// sweep.
func (n *Node) applyRoundEconomics(result *consensus.RoundResult) {
	if result.Status == consensus.StatusCompleted {
		n.policy.RewardParticipants(result.VoterIDs)
		n.policy.RewardWinner(result.WinnerID, result.WinnerScore)
	}

	events := n.policy.Sweep()
	if len(events) > 0 {
		n.logger.Info("Round boundary sweep applied penalties",
			zap.Uint64("round", result.RoundNumber),
			zap.Int("count", len(events)))
	}
	n.persistValidatorStates()
}

// Private methods

// proposeBlock builds, signs, and gossips the winner's block
func (n *Node) proposeBlock(result *consensus.RoundResult) error {
	profile, ok := n.fitness.Profile(n.nodeID)
	if !ok {
		return fmt.Errorf("no fitness profile to embed in proof")
	}

	proof := &data.FitnessProof{
		ProfileHash:      n.profileHash(profile),
		AttestationCount: 1,
		Score:            result.WinnerScore,
		IssuedAt:         time.Now().UTC(),
	}

	block := data.NewBlock(n.pipeline.Tip(), nil, n.nodeID, result.WinnerScore, proof)

	signature, err := n.provider.Sign(block.SigningBytes())
	if err != nil {
		return fmt.Errorf("signing block: %w", err)
	}
	block.Signature = signature

	if _, err := n.pipeline.HandleIncomingBlock(n.ctx, block, n.nodeID); err != nil {
		return fmt.Errorf("accepting own block: %w", err)
	}

	proposal := &message.BlockProposal{Block: block}
	if err := n.host.Publish(n.ctx, p2p.BlockProposalsTopic, message.BlockProposalMessage, proposal); err != nil {
		return fmt.Errorf("broadcasting block proposal: %w", err)
	}

	go n.pipeline.PropagateBlock(n.ctx, block, nil)

	n.logger.Info("Proposed block",
		zap.Uint64("height", block.Height),
		zap.String("blockHash", block.Hash),
		zap.Uint64("round", result.RoundNumber))
	return nil
}

// profileHash derives the digest a vote or proof binds to
func (n *Node) profileHash(profile *data.FitnessProfile) string {
	if profile == nil {
		return ""
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return ""
	}
	return n.provider.Hash(raw)
}
