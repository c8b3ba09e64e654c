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
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"go.uber.org/atomic"
)

// SlotClock converts between wall time and slots. The bidding cutoff of a
// slot is a fixed offset into that slot.
type SlotClock struct {
	genesis      time.Time
	slotDuration time.Duration
	cutoff       time.Duration
}

func NewSlotClock(genesisTime uint64, slotDuration, cutoff time.Duration) SlotClock {
	return SlotClock{
		genesis:      time.Unix(int64(genesisTime), 0).UTC(),
		slotDuration: slotDuration,
		cutoff:       cutoff,
	}
}

func (c SlotClock) Genesis() time.Time {
	return c.genesis
}

func (c SlotClock) SlotStart(slot uint64) time.Time {
	return c.genesis.Add(time.Duration(slot) * c.slotDuration)
}

func (c SlotClock) Cutoff(slot uint64) time.Time {
	return c.SlotStart(slot).Add(c.cutoff)
}

// SlotAt is the slot running at t, zero before genesis.
func (c SlotClock) SlotAt(t time.Time) uint64 {
	if t.Before(c.genesis) {
		return 0
	}
	return uint64(t.Sub(c.genesis) / c.slotDuration)
}

type DutyRefresher interface {
	Refresh(ctx context.Context, epoch uint64) error
}

type slotStatsSetter interface {
	SetLatestSlotStats(slot uint64) error
}

// Lifecycle drives the slot boundaries: it closes auctions at their cutoff,
// expires the ones that left the retention window and refreshes duties at
// every epoch start. Until a refresh for the current epoch succeeds it is
// retried at every slot start.
type Lifecycle struct {
	slots     SlotClock
	clock     clock.Clock
	ledger    *BidLedger
	duties    DutyRefresher
	chain     *ChainView
	stats     slotStatsSetter
	retention uint64

	// boundaries already processed, guarded by Advance running on one goroutine
	lastStarted uint64
	lastClosed  uint64
	started     bool

	// epoch of the last successful duty refresh
	dutiesMux   sync.Mutex
	dutiesEpoch uint64
	dutiesReady bool

	headSlot atomic.Uint64
	ctx      context.Context
	log      logger.Logger
}

func NewLifecycle(slots SlotClock, clk clock.Clock, ledger *BidLedger, duties DutyRefresher, chain *ChainView, stats slotStatsSetter, retention uint64) *Lifecycle {
	return &Lifecycle{
		slots:     slots,
		clock:     clk,
		ledger:    ledger,
		duties:    duties,
		chain:     chain,
		stats:     stats,
		retention: retention,
		ctx:       context.Background(),
		log:       logger.WithValues("module", "lifecycle"),
	}
}

// Run processes boundaries until ctx is done.
func (l *Lifecycle) Run(ctx context.Context) error {
	l.ctx = ctx
	l.Advance(l.clock.Now())

	for {
		timer := l.clock.Timer(l.clock.Until(l.nextBoundary()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			l.Advance(l.clock.Now())
		}
	}
}

func (l *Lifecycle) nextBoundary() time.Time {
	now := l.clock.Now()
	slot := l.slots.SlotAt(now)
	if cutoff := l.slots.Cutoff(slot); cutoff.After(now) {
		return cutoff
	}
	return l.slots.SlotStart(slot + 1)
}

// Advance processes, in order, every slot start and cutoff that is due at
// now and was not processed yet. A late wake up catches up on all of them.
func (l *Lifecycle) Advance(now time.Time) {
	current := l.slots.SlotAt(now)
	refresh := false
	started := false

	if !l.started {
		l.started = true
		l.lastStarted = current
		l.startSlot(current)
		refresh = true
		started = true
		// cutoffs before the first observed slot are treated as done
		if current > 0 {
			l.lastClosed = current - 1
		}
	}

	for l.lastStarted < current {
		l.lastStarted++
		l.startSlot(l.lastStarted)
		refresh = refresh || l.lastStarted%SlotsPerEpoch == 0
		started = true
	}

	// one refresh for the epoch we landed in, however many epochs were skipped
	epoch := current / SlotsPerEpoch
	if refresh || (started && !l.dutiesCurrent(epoch)) {
		l.refreshDuties(epoch)
	}

	for next := l.lastClosed + 1; !l.slots.Cutoff(next).After(now); next++ {
		l.ledger.CloseThrough(next)
		l.lastClosed = next
		l.log.Debug("closed auctions", "slot", next)
	}
}

func (l *Lifecycle) startSlot(slot uint64) {
	l.headSlot.Store(slot)
	slotsProcessed.Inc()

	if slot > l.retention {
		before := slot - l.retention
		evicted := l.ledger.Expire(before)
		if l.chain != nil {
			l.chain.Prune(before)
		}
		if evicted > 0 {
			l.log.Debug("expired auctions", "beforeSlot", before, "count", evicted)
		}
	}

	if l.stats != nil {
		if err := l.stats.SetLatestSlotStats(slot); err != nil {
			l.log.Error(err, "failed to store latest slot", "slot", slot)
		}
	}
}

func (l *Lifecycle) refreshDuties(epoch uint64) {
	if l.duties == nil {
		return
	}
	go func() {
		err := l.duties.Refresh(l.ctx, epoch)
		switch {
		case errors.Is(err, ErrDutyRefreshInProgress):
			l.log.Debug("duty refresh skipped, another one is running", "epoch", epoch)
		case err != nil:
			l.log.Error(err, "failed to refresh duties, retrying next slot", "epoch", epoch)
		default:
			l.markDuties(epoch)
		}
	}()
}

func (l *Lifecycle) markDuties(epoch uint64) {
	l.dutiesMux.Lock()
	defer l.dutiesMux.Unlock()
	if !l.dutiesReady || epoch > l.dutiesEpoch {
		l.dutiesEpoch = epoch
		l.dutiesReady = true
	}
}

// dutiesCurrent reports whether a refresh covering epoch has succeeded.
func (l *Lifecycle) dutiesCurrent(epoch uint64) bool {
	if l.duties == nil {
		return true
	}
	l.dutiesMux.Lock()
	defer l.dutiesMux.Unlock()
	return l.dutiesReady && l.dutiesEpoch >= epoch
}

// HeadSlot is the latest slot whose start was processed.
func (l *Lifecycle) HeadSlot() uint64 {
	return l.headSlot.Load()
}
