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
	"errors"
	"fmt"
)

var (
	ErrInvalidForkVersion                   = errors.New("invalid fork version")
	ErrInvalidGenesisValidatorsRoot         = errors.New("invalid genesis validators root")
	ErrUnknownNetwork                       = errors.New("unknown network")
	ErrPayloadNil                           = errors.New("payload is nil")
	ErrSecretKeyNil                         = errors.New("secret key is nil")
	ErrEmpty                                = errors.New("empty")
	ErrNoBeaconSynced                       = errors.New("no beacon is synced")
	ErrAllBeaconsFailedGetProposerDuties    = errors.New("all beacons failed to get proposer duties")
	ErrAllBeaconsFailedPublishBlock         = errors.New("all beacons failed to publish block")
	ErrBlockBroadcastedButFailedIntegration = errors.New("block broadcasted but failed to integrate")
	ErrNoParentForSlot                      = errors.New("no parent known for slot")
	ErrMismatchHeaders                      = errors.New("mismatch headers")
	ErrNoBid                                = errors.New("no bid available")
	ErrUnknownAuction                       = errors.New("unknown auction")
	ErrAuctionClosed                        = errors.New("auction closed")
	ErrAuctionRevealed                      = errors.New("auction already revealed")
	ErrAuctionExpired                       = errors.New("auction expired")
	ErrBidNotBetter                         = errors.New("bid is not better than the current best bid")
	ErrRegistrationQueueFull                = errors.New("registration queue full")
	ErrInvalidSignature                     = errors.New("invalid signature")
	ErrBuilderUnknown                       = errors.New("builder unknown")
	ErrRateLimited                          = errors.New("too many submissions in flight")
	ErrDutyRefreshInProgress                = errors.New("duty refresh already in progress")
)

// Reason codes reported back to builders and proposers.
const (
	ReasonInvalidSignature        = "invalid_signature"
	ReasonInvalidPayload          = "invalid_payload"
	ReasonAuctionClosed           = "auction_closed"
	ReasonAuctionRevealed         = "auction_revealed"
	ReasonAuctionExpired          = "auction_expired"
	ReasonUnknownProposer         = "unknown_proposer"
	ReasonProposerMismatch        = "proposer_mismatch"
	ReasonInvalidTimestamp        = "invalid_timestamp"
	ReasonParentHashMismatch      = "parent_hash_mismatch"
	ReasonPayloadMismatch         = "payload_mismatch"
	ReasonUnregisteredProposer    = "unregistered_proposer"
	ReasonFeeRecipientMismatch    = "fee_recipient_mismatch"
	ReasonGasLimitOutOfBounds     = "gas_limit_out_of_bounds"
	ReasonZeroValue               = "zero_value"
	ReasonBidNotBetter            = "bid_not_better"
	ReasonSimulationFailed        = "simulation_failed"
	ReasonBuilderBlocked          = "builder_blocked"
	ReasonCollaboratorUnavailable = "collaborator_unavailable"
	ReasonUnknownCommitment       = "unknown_commitment"
	ReasonStaleCommitment         = "stale_commitment"
	ReasonUnknownAuction          = "unknown_auction"
)

// ValidationError is returned for submissions or requests that are malformed,
// badly signed or inconsistent with the relay's view of the chain.
type ValidationError struct {
	reason string
	err    error
}

func newValidationError(reason string, err error) *ValidationError {
	return &ValidationError{reason: reason, err: err}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %v", e.reason, e.err)
}

func (e *ValidationError) Unwrap() error { return e.err }

func (e *ValidationError) Reason() string { return e.reason }

// RaceLostError means the bid lost against the auction state, either because a
// better bid is already held or because bidding has stopped.
type RaceLostError struct {
	reason string
	err    error
}

func newRaceLostError(reason string, err error) *RaceLostError {
	return &RaceLostError{reason: reason, err: err}
}

func (e *RaceLostError) Error() string {
	return fmt.Sprintf("race lost (%s): %v", e.reason, e.err)
}

func (e *RaceLostError) Unwrap() error { return e.err }

func (e *RaceLostError) Reason() string { return e.reason }

// StaleCommitmentError is returned by a reveal that references a header the
// proposer was never shown for the auction.
type StaleCommitmentError struct {
	reason string
	err    error
}

func newStaleCommitmentError(reason string, err error) *StaleCommitmentError {
	return &StaleCommitmentError{reason: reason, err: err}
}

func (e *StaleCommitmentError) Error() string {
	return fmt.Sprintf("stale commitment (%s): %v", e.reason, e.err)
}

func (e *StaleCommitmentError) Unwrap() error { return e.err }

func (e *StaleCommitmentError) Reason() string { return e.reason }

// CollaboratorUnavailableError wraps a failure or timeout of the chain state
// source or the block simulator.
type CollaboratorUnavailableError struct {
	collaborator string
	err          error
}

func newCollaboratorUnavailableError(collaborator string, err error) *CollaboratorUnavailableError {
	return &CollaboratorUnavailableError{collaborator: collaborator, err: err}
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.collaborator, e.err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.err }

func (e *CollaboratorUnavailableError) Reason() string { return ReasonCollaboratorUnavailable }

type reasoner interface {
	Reason() string
}

// ReasonOf extracts the reason code of a taxonomy error or of a phase
// sentinel, or "internal".
func ReasonOf(err error) string {
	var r reasoner
	if errors.As(err, &r) {
		return r.Reason()
	}
	switch {
	case errors.Is(err, ErrAuctionRevealed):
		return ReasonAuctionRevealed
	case errors.Is(err, ErrAuctionExpired):
		return ReasonAuctionExpired
	case errors.Is(err, ErrAuctionClosed):
		return ReasonAuctionClosed
	case errors.Is(err, ErrUnknownAuction):
		return ReasonUnknownAuction
	}
	return "internal"
}
