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
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
)

type BlockPublisher interface {
	PublishBlock(ctx context.Context, block *SignedBeaconBlock) error
}

// Exchange implements the proposer side handshake: a signed header first,
// the payload only against a signed commitment to a header that was shown.
type Exchange struct {
	cfg            *RelayConfig
	ledger         *BidLedger
	duties         DutyGetter
	publisher      BlockPublisher
	events         EventSender
	publishTimeout time.Duration
	log            logger.Logger
}

func NewExchange(cfg *RelayConfig, ledger *BidLedger, duties DutyGetter, publisher BlockPublisher, events EventSender, publishTimeout time.Duration) *Exchange {
	if events == nil {
		events = newDummyEventSender()
	}
	return &Exchange{
		cfg:            cfg,
		ledger:         ledger,
		duties:         duties,
		publisher:      publisher,
		events:         events,
		publishTimeout: publishTimeout,
		log:            logger.WithValues("module", "exchange"),
	}
}

// GetHeader returns the relay signed commitment to the best bid of key, or
// ErrNoBid when there is nothing to offer.
func (x *Exchange) GetHeader(key AuctionKey) (*GetHeaderResponse, *Bid, error) {
	header, bid, err := x.ledger.Header(key)
	if err != nil {
		return nil, nil, err
	}

	if err := x.events.SendHeaderFetchedEvent(key.Slot, common.Hash(bid.BlockHash), bid.Value.ToBig()); err != nil {
		x.log.Error(err, "failed to send header fetched event to event bus")
	}
	return header, bid, nil
}

// GetPayload verifies the proposer's signed blinded block and releases the
// payload it commits to. The unblinded block is then published in the
// background; publishing failures never undo the reveal.
func (x *Exchange) GetPayload(ctx context.Context, block *SignedBlindedBeaconBlock) (*GetPayloadResponse, *Bid, error) {
	if block == nil || block.IsEmpty() {
		return nil, nil, newValidationError(ReasonInvalidPayload, ErrPayloadNil)
	}

	slot := block.Slot()
	duty, ok := x.duties.ProposerFor(slot)
	if !ok {
		if x.duties.Epoch() < slot/SlotsPerEpoch {
			return nil, nil, newCollaboratorUnavailableError("duties", fmt.Errorf("no duties known for epoch %d", slot/SlotsPerEpoch))
		}
		return nil, nil, ErrUnknownAuction
	}
	if duty.ValidatorIndex != block.ProposerIndex() {
		return nil, nil, newValidationError(ReasonProposerMismatch, fmt.Errorf("proposer index %d, expected %d", block.ProposerIndex(), duty.ValidatorIndex))
	}

	sig := block.Signature()
	ok, err := types.VerifySignature(block.Message(), x.cfg.DomainBeaconProposerCapella, duty.Pubkey[:], sig[:])
	if err != nil || !ok {
		return nil, nil, newValidationError(ReasonInvalidSignature, ErrInvalidSignature)
	}

	root, err := block.HeaderRoot()
	if err != nil {
		return nil, nil, newValidationError(ReasonInvalidPayload, err)
	}

	key := AuctionKey{Slot: slot, ParentHash: block.ParentHash(), ProposerPubkey: duty.Pubkey}
	payload, bid, err := x.ledger.Reveal(key, root)
	if err != nil {
		return nil, nil, err
	}

	if err := x.events.SendPayloadRevealedEvent(slot, bid.BuilderPubkey.String(), common.Hash(bid.BlockHash), bid.Value.ToBig()); err != nil {
		x.log.Error(err, "failed to send payload revealed event to event bus")
	}

	if x.publisher != nil {
		signed := unblindedSignedBeaconBlock(block, payload)
		go x.publish(signed)
	}

	return buildGetPayloadResponse(payload), bid, nil
}

func (x *Exchange) publish(block *SignedBeaconBlock) {
	ctx, cancel := context.WithTimeout(context.Background(), x.publishTimeout)
	defer cancel()

	if err := x.publisher.PublishBlock(ctx, block); err != nil {
		x.log.Error(err, "failed to publish block", "slot", block.Slot())
	}
}
