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
	"testing"
	"time"

	"github.com/flashbots/go-boost-utils/types"
	"github.com/stretchr/testify/require"
)

func newTestDuties(epoch uint64, count int) []DutyRecord {
	duties := make([]DutyRecord, 0, count)
	for i := 0; i < count; i++ {
		duties = append(duties, DutyRecord{
			Slot:           epoch*SlotsPerEpoch + uint64(i),
			Pubkey:         types.PublicKey(random48Bytes()),
			ValidatorIndex: uint64(i),
		})
	}
	return duties
}

func TestDutyTrackerRefresh(t *testing.T) {
	src := &fakeDutySource{duties: map[uint64][]DutyRecord{
		3: newTestDuties(3, 4),
		4: newTestDuties(4, 2),
	}}
	d := NewDutyTracker(src, time.Second)

	_, ok := d.ProposerFor(96)
	require.False(t, ok)

	require.NoError(t, d.Refresh(context.Background(), 3))
	require.Equal(t, int64(2), src.calls.Load())
	require.Equal(t, uint64(4), d.Epoch())

	duty, ok := d.ProposerFor(97)
	require.True(t, ok)
	require.Equal(t, src.duties[3][1], duty)

	duty, ok = d.ProposerFor(128)
	require.True(t, ok)
	require.Equal(t, src.duties[4][0], duty)

	_, ok = d.ProposerFor(100)
	require.False(t, ok)

	// beyond the loaded epochs nothing is known
	_, ok = d.ProposerFor(5 * SlotsPerEpoch)
	require.False(t, ok)

	all := d.All()
	require.Len(t, all, 6)
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Slot, all[i].Slot)
	}
}

func TestDutyTrackerRefreshReplacesMapping(t *testing.T) {
	src := &fakeDutySource{duties: map[uint64][]DutyRecord{
		3: newTestDuties(3, 4),
	}}
	d := NewDutyTracker(src, time.Second)
	require.NoError(t, d.Refresh(context.Background(), 3))
	require.Len(t, d.All(), 4)

	src.duties[4] = newTestDuties(4, 1)
	src.duties[5] = newTestDuties(5, 3)
	require.NoError(t, d.Refresh(context.Background(), 4))
	require.Len(t, d.All(), 4)
	require.Equal(t, uint64(5), d.Epoch())

	_, ok := d.ProposerFor(96)
	require.False(t, ok)
	_, ok = d.ProposerFor(160)
	require.True(t, ok)
}

func TestDutyTrackerRefreshFailureKeepsMapping(t *testing.T) {
	src := &fakeDutySource{duties: map[uint64][]DutyRecord{
		3: newTestDuties(3, 4),
	}}
	d := NewDutyTracker(src, time.Second)
	require.NoError(t, d.Refresh(context.Background(), 3))

	src.setErr(errors.New("beacon node down"))
	err := d.Refresh(context.Background(), 4)
	var unavailable *CollaboratorUnavailableError
	require.ErrorAs(t, err, &unavailable)

	require.Equal(t, uint64(4), d.Epoch())
	duty, ok := d.ProposerFor(96)
	require.True(t, ok)
	require.Equal(t, src.duties[3][0], duty)
	require.Len(t, d.All(), 4)
}

type blockingDutySource struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingDutySource) CurrentDuties(ctx context.Context, epoch uint64) ([]DutyRecord, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return newTestDuties(epoch, 1), nil
}

func TestDutyTrackerRefreshInProgress(t *testing.T) {
	src := &blockingDutySource{started: make(chan struct{}, 1), release: make(chan struct{})}
	d := NewDutyTracker(src, time.Second)

	done := make(chan error, 1)
	go func() { done <- d.Refresh(context.Background(), 3) }()
	<-src.started

	require.ErrorIs(t, d.Refresh(context.Background(), 3), ErrDutyRefreshInProgress)

	close(src.release)
	require.NoError(t, <-done)
	_, ok := d.ProposerFor(96)
	require.True(t, ok)

	// the guard is released once the running refresh returns
	require.NoError(t, d.Refresh(context.Background(), 4))
}
