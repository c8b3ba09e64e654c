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
	"sync"
	"time"

	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"go.uber.org/atomic"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DutyRecord says which validator proposes at a slot.
type DutyRecord struct {
	Slot           uint64
	Pubkey         types.PublicKey
	ValidatorIndex uint64
}

type DutySource interface {
	CurrentDuties(ctx context.Context, epoch uint64) ([]DutyRecord, error)
}

type DutyGetter interface {
	ProposerFor(slot uint64) (DutyRecord, bool)
	All() []DutyRecord
	Epoch() uint64
}

// DutyTracker maps slots of the current and the next epoch to their
// proposer. A refresh replaces the whole mapping or nothing.
type DutyTracker struct {
	mux     sync.RWMutex
	duties  map[uint64]DutyRecord
	epoch   uint64
	loaded  bool
	source  DutySource
	timeout time.Duration

	refreshing atomic.Bool
	log        logger.Logger
}

func NewDutyTracker(source DutySource, timeout time.Duration) *DutyTracker {
	return &DutyTracker{
		duties:  make(map[uint64]DutyRecord),
		source:  source,
		timeout: timeout,
		log:     logger.WithValues("module", "dutyTracker"),
	}
}

// Refresh pulls duties for epoch and epoch+1. On failure the previous
// mapping is kept untouched. A call made while another refresh is running
// returns ErrDutyRefreshInProgress without touching the source.
func (d *DutyTracker) Refresh(ctx context.Context, epoch uint64) error {
	if !d.refreshing.CAS(false, true) {
		return ErrDutyRefreshInProgress
	}
	defer d.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	next := make(map[uint64]DutyRecord)
	for _, e := range []uint64{epoch, epoch + 1} {
		duties, err := d.source.CurrentDuties(ctx, e)
		if err != nil {
			d.log.Error(err, "failed to refresh duties, keeping last known mapping", "epoch", e)
			dutyRefreshTotal.WithLabelValues("failed").Inc()
			return newCollaboratorUnavailableError("duties", err)
		}
		for _, duty := range duties {
			next[duty.Slot] = duty
		}
	}

	d.mux.Lock()
	d.duties = next
	d.epoch = epoch + 1
	d.loaded = true
	d.mux.Unlock()

	dutyRefreshTotal.WithLabelValues("ok").Inc()
	d.log.Info("set proposer duties", "count", len(next), "epoch", epoch)
	return nil
}

// ProposerFor reports the duty of slot. A mapping that does not reach the
// slot's epoch reports nothing.
func (d *DutyTracker) ProposerFor(slot uint64) (DutyRecord, bool) {
	d.mux.RLock()
	defer d.mux.RUnlock()

	if !d.loaded || slot/SlotsPerEpoch > d.epoch {
		return DutyRecord{}, false
	}
	duty, ok := d.duties[slot]
	return duty, ok
}

// All returns the tracked duties ordered by slot.
func (d *DutyTracker) All() []DutyRecord {
	d.mux.RLock()
	duties := maps.Values(d.duties)
	d.mux.RUnlock()

	slices.SortFunc(duties, func(a, b DutyRecord) bool {
		return a.Slot < b.Slot
	})
	return duties
}

// Epoch is the newest epoch covered by the mapping.
func (d *DutyTracker) Epoch() uint64 {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.epoch
}
