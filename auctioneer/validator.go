// Copyright (c) 2023 Manifold Finance, Inc.
// The Universal Permissive License (UPL), Version 1.0
// Subject to the condition set forth below, permission is hereby granted to any person obtaining a copy of this software, associated documentation and/or data (collectively the “Software”), free of charge and under any and all copyright rights in the Software, and any and all patent rights owned or freely licensable by each licensor hereunder covering either (i) the unmodified Software as contributed to or provided by such licensor, or (ii) the Larger Works (as defined below), to deal in both
// (a) the Software, and
// (b) any piece of software and/or hardware listed in the lrgrwrks.txt file if one is included with the Software (each a “Larger Work” to which the Software is contributed by such licensors),
// without restriction, including without limitation the rights to copy, create derivative works of, display, perform, and distribute the Software and make, use, sell, offer for sale, import, export, have made, and have sold the Software and the Larger Work(s), and to sublicense the foregoing rights on either these or other terms.
// This license is subject to the following condition:
// The above copyright notice and either this complete permission notice or at a minimum a reference to the UPL must be included in all copies or substantial portions of the Software.
// THE SOFTWARE IS PROVIDED “AS IS”, WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
// This script ensures source code files have copyright license headers. See license.sh for more information.
package auctioneer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
)

type BuilderPolicy interface {
	BlockBuilder(pubKey types.PublicKey) (*BlockBuilder, error)
}

type AuctionPeeker interface {
	Peek(key AuctionKey) AuctionSnapshot
}

// SubmissionValidator runs every check a builder submission has to pass
// before it may compete in the ledger. All collaborator calls happen here,
// never under an auction lock.
type SubmissionValidator struct {
	cfg           *RelayConfig
	slots         SlotClock
	builders      BuilderPolicy
	duties        DutyGetter
	registrations RegistrationGetter
	chain         ParentGetter
	auctions      AuctionPeeker
	simulator     BlockSimulator
	log           logger.Logger
}

func NewSubmissionValidator(cfg *RelayConfig, slots SlotClock, builders BuilderPolicy, duties DutyGetter, registrations RegistrationGetter, chain ParentGetter, auctions AuctionPeeker, simulator BlockSimulator) *SubmissionValidator {
	return &SubmissionValidator{
		cfg:           cfg,
		slots:         slots,
		builders:      builders,
		duties:        duties,
		registrations: registrations,
		chain:         chain,
		auctions:      auctions,
		simulator:     simulator,
		log:           logger.WithValues("module", "submissionValidator"),
	}
}

// Validate checks req in order and stops at the first failure. The returned
// submission carries the signed header the ledger will serve if it wins.
func (v *SubmissionValidator) Validate(ctx context.Context, req *BuilderSubmitBlockRequest, receivedAt time.Time) (*Submission, error) {
	start := time.Now()
	defer func() { validationDuration.Observe(time.Since(start).Seconds()) }()

	if req.IsEmpty() {
		return nil, newValidationError(ReasonInvalidPayload, ErrPayloadNil)
	}

	trace := req.BidTrace()
	payload := req.ExecutionPayload()
	key := AuctionKey{
		Slot:           trace.Slot,
		ParentHash:     types.Hash(trace.ParentHash),
		ProposerPubkey: types.PublicKey(trace.ProposerPubkey),
	}
	builderPubkey := types.PublicKey(trace.BuilderPubkey)

	if v.builders != nil {
		builder, err := v.builders.BlockBuilder(builderPubkey)
		if err != nil && !errors.Is(err, ErrBuilderUnknown) {
			v.log.Error(err, "failed to read builder policy", "builderPubkey", builderPubkey)
		}
		if builder != nil && builder.Blocked {
			return nil, newValidationError(ReasonBuilderBlocked, fmt.Errorf("builder %s is blocked", builderPubkey))
		}
	}

	// 1. builder signature
	sig := req.Signature()
	ok, err := types.VerifySignature(trace, v.cfg.DomainBuilder, builderPubkey[:], sig[:])
	if err != nil || !ok {
		return nil, newValidationError(ReasonInvalidSignature, ErrInvalidSignature)
	}

	// 2. auction still open and meant for the scheduled proposer
	snap := v.auctions.Peek(key)
	switch snap.Phase {
	case PhaseRevealed:
		return nil, newRaceLostError(ReasonAuctionRevealed, ErrAuctionRevealed)
	case PhaseExpired:
		return nil, newRaceLostError(ReasonAuctionExpired, ErrAuctionExpired)
	case PhaseClosed:
		return nil, newRaceLostError(ReasonAuctionClosed, ErrAuctionClosed)
	}
	if !receivedAt.Before(v.slots.Cutoff(key.Slot)) {
		return nil, newRaceLostError(ReasonAuctionClosed, ErrAuctionClosed)
	}

	duty, ok := v.duties.ProposerFor(key.Slot)
	if !ok {
		if v.duties.Epoch() < key.Slot/SlotsPerEpoch {
			return nil, newCollaboratorUnavailableError("duties", fmt.Errorf("no duties known for epoch %d", key.Slot/SlotsPerEpoch))
		}
		return nil, newValidationError(ReasonUnknownProposer, fmt.Errorf("no proposer scheduled for slot %d", key.Slot))
	}
	if duty.Pubkey != key.ProposerPubkey {
		return nil, newValidationError(ReasonProposerMismatch, fmt.Errorf("slot %d is proposed by %s", key.Slot, duty.Pubkey))
	}

	if expected := uint64(v.slots.SlotStart(key.Slot).Unix()); payload.Timestamp != expected {
		return nil, newValidationError(ReasonInvalidTimestamp, fmt.Errorf("timestamp %d, expected %d", payload.Timestamp, expected))
	}

	// 3. parent hash
	parent, err := v.chain.ParentFor(ctx, key.Slot)
	if err != nil {
		var cerr *CollaboratorUnavailableError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, newCollaboratorUnavailableError("chain", err)
	}
	if parent.Hash != key.ParentHash {
		return nil, newValidationError(ReasonParentHashMismatch, fmt.Errorf("parent %s, expected %s", key.ParentHash, parent.Hash))
	}

	// 4. the bid describes the payload it carries
	if types.Hash(trace.BlockHash) != types.Hash(payload.BlockHash) ||
		types.Hash(trace.ParentHash) != types.Hash(payload.ParentHash) ||
		trace.GasLimit != payload.GasLimit ||
		trace.GasUsed != payload.GasUsed {
		return nil, newValidationError(ReasonPayloadMismatch, ErrMismatchHeaders)
	}
	header, headerRoot, err := payloadHeaderRoot(payload)
	if err != nil {
		return nil, newValidationError(ReasonInvalidPayload, err)
	}

	// 5. proposer preferences
	reg, ok := v.registrations.Lookup(key.ProposerPubkey)
	if !ok {
		return nil, newValidationError(ReasonUnregisteredProposer, fmt.Errorf("proposer %s is not registered", key.ProposerPubkey))
	}
	if types.Address(payload.FeeRecipient) != reg.Message.FeeRecipient || types.Address(trace.ProposerFeeRecipient) != reg.Message.FeeRecipient {
		return nil, newValidationError(ReasonFeeRecipientMismatch, fmt.Errorf("fee recipient %s, expected %s", types.Address(payload.FeeRecipient), reg.Message.FeeRecipient))
	}
	if !gasLimitInBounds(parent.GasLimit, payload.GasLimit) {
		return nil, newValidationError(ReasonGasLimitOutOfBounds, fmt.Errorf("gas limit %d, parent %d", payload.GasLimit, parent.GasLimit))
	}
	// without a simulator nobody else holds the block to the proposer's target
	if _, disabled := v.simulator.(noopSimulator); disabled {
		if expected := targetGasLimit(parent.GasLimit, reg.Message.GasLimit); payload.GasLimit != expected {
			return nil, newValidationError(ReasonGasLimitOutOfBounds, fmt.Errorf("gas limit %d, expected %d towards registered %d", payload.GasLimit, expected, reg.Message.GasLimit))
		}
	}

	// 6. value
	if trace.Value.IsZero() {
		return nil, newValidationError(ReasonZeroValue, errors.New("bid value is zero"))
	}
	if snap.Best != nil && trace.Value.Cmp(snap.Best.Value) <= 0 {
		return nil, newRaceLostError(ReasonBidNotBetter, ErrBidNotBetter)
	}

	// 7. execution validity
	if err := v.simulator.Simulate(ctx, &BuilderBlockValidationRequest{
		BuilderSubmitBlockRequest: *req,
		RegisteredGasLimit:        reg.Message.GasLimit,
	}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newCollaboratorUnavailableError("simulator", err)
		}
		return nil, newValidationError(ReasonSimulationFailed, err)
	}

	headerResp, err := buildGetHeaderResponse(header, trace.Value, v.cfg.SecretKey, v.cfg.PublicKey, v.cfg.DomainBuilder)
	if err != nil {
		return nil, fmt.Errorf("could not sign header: %w", err)
	}

	return &Submission{
		Key: key,
		Bid: Bid{
			BuilderPubkey: builderPubkey,
			Value:         trace.Value,
			HeaderRoot:    headerRoot,
			BlockHash:     types.Hash(payload.BlockHash),
			BlockNumber:   payload.BlockNumber,
			FeeRecipient:  types.Address(payload.FeeRecipient),
			Signature:     sig,
			ReceivedAt:    receivedAt,
		},
		Trace:   trace,
		Payload: payload,
		Header:  headerResp,
	}, nil
}

// targetGasLimit is the gas limit of a block built on parent by a proposer
// asking for desired: one step of at most parent/1024-1 towards it.
func targetGasLimit(parent, desired uint64) uint64 {
	delta := parent / params.GasLimitBoundDivisor
	if delta > 0 {
		delta--
	}
	if desired < params.MinGasLimit {
		desired = params.MinGasLimit
	}

	switch {
	case parent < desired:
		if parent+delta > desired {
			return desired
		}
		return parent + delta
	case parent > desired:
		if parent-delta < desired {
			return desired
		}
		return parent - delta
	}
	return parent
}

// gasLimitInBounds reports whether gasLimit is within parent/1024 of the
// parent gas limit, both ends included.
func gasLimitInBounds(parent, gasLimit uint64) bool {
	delta := parent / 1024
	return gasLimit >= parent-delta && gasLimit <= parent+delta
}
