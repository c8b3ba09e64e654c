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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err    error
		reason string
	}{
		{newValidationError(ReasonFeeRecipientMismatch, errors.New("x")), ReasonFeeRecipientMismatch},
		{newRaceLostError(ReasonBidNotBetter, ErrBidNotBetter), ReasonBidNotBetter},
		{newStaleCommitmentError(ReasonStaleCommitment, ErrMismatchHeaders), ReasonStaleCommitment},
		{newCollaboratorUnavailableError("chain", context.DeadlineExceeded), ReasonCollaboratorUnavailable},
		{fmt.Errorf("wrapped: %w", newValidationError(ReasonZeroValue, errors.New("x"))), ReasonZeroValue},
		{ErrAuctionRevealed, ReasonAuctionRevealed},
		{ErrAuctionExpired, ReasonAuctionExpired},
		{ErrAuctionClosed, ReasonAuctionClosed},
		{ErrUnknownAuction, ReasonUnknownAuction},
		{fmt.Errorf("reveal: %w", ErrAuctionRevealed), ReasonAuctionRevealed},
		{errors.New("boom"), "internal"},
		{nil, "internal"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.reason, ReasonOf(tt.err), "%v", tt.err)
	}
}

func TestTaxonomyErrorsUnwrap(t *testing.T) {
	err := newCollaboratorUnavailableError("simulator", context.DeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "simulator unavailable")

	// the race lost reason wins over the sentinel it wraps
	rl := newRaceLostError(ReasonAuctionClosed, ErrAuctionClosed)
	require.ErrorIs(t, rl, ErrAuctionClosed)
	require.Equal(t, ReasonAuctionClosed, ReasonOf(rl))

	sc := newStaleCommitmentError(ReasonUnknownCommitment, ErrUnknownAuction)
	require.ErrorIs(t, sc, ErrUnknownAuction)
	require.Equal(t, ReasonUnknownCommitment, ReasonOf(sc))
}
