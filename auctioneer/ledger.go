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
	"sync"

	consensuscapella "github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/benbjohnson/clock"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
)

// AuctionSnapshot is a point in time copy of an auction, used for cheap
// pre-checks. The atomic decision is always taken again by Accept.
type AuctionSnapshot struct {
	Phase Phase
	Best  *Bid
}

type auctionEntry struct {
	mux sync.Mutex

	key        AuctionKey
	phase      Phase
	best       *Bid
	bestHeader *GetHeaderResponse
	revealed   phase0.Root

	// payloads and bids of every header root that can still be revealed:
	// the current best plus every root shown to the proposer
	payloads map[phase0.Root]*consensuscapella.ExecutionPayload
	bids     map[phase0.Root]*Bid
	shown    map[phase0.Root]struct{}

	received  []BidTraceReceived
	delivered *DeliveredPayload
}

func newAuctionEntry(key AuctionKey) *auctionEntry {
	return &auctionEntry{
		key:      key,
		phase:    PhaseOpen,
		payloads: make(map[phase0.Root]*consensuscapella.ExecutionPayload),
		bids:     make(map[phase0.Root]*Bid),
		shown:    make(map[phase0.Root]struct{}),
	}
}

// BidLedger owns the best bid of every in-flight auction. Each auction is
// serialized by its own lock; the ledger lock only guards the index.
type BidLedger struct {
	mux     sync.RWMutex
	entries map[AuctionKey]*auctionEntry

	slots         SlotClock
	clock         clock.Clock
	expiredBefore atomic.Uint64
	log           logger.Logger
}

func NewBidLedger(slots SlotClock, clk clock.Clock) *BidLedger {
	return &BidLedger{
		entries: make(map[AuctionKey]*auctionEntry),
		slots:   slots,
		clock:   clk,
		log:     logger.WithValues("module", "bidLedger"),
	}
}

func (l *BidLedger) get(key AuctionKey) *auctionEntry {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return l.entries[key]
}

// getOrCreate returns nil for slots that expired. Expire raises the bound
// before it takes the index lock, so the check under the lock cannot miss it.
func (l *BidLedger) getOrCreate(key AuctionKey) *auctionEntry {
	if e := l.get(key); e != nil {
		return e
	}

	l.mux.Lock()
	defer l.mux.Unlock()
	if l.isExpired(key.Slot) {
		return nil
	}
	e, ok := l.entries[key]
	if !ok {
		e = newAuctionEntry(key)
		l.entries[key] = e
		auctionsGauge.Inc()
	}
	return e
}

func (l *BidLedger) isExpired(slot uint64) bool {
	return slot < l.expiredBefore.Load()
}

// Peek reports the phase and best bid of key. Unknown auctions of slots
// inside the retention window are reported open with no bid.
func (l *BidLedger) Peek(key AuctionKey) AuctionSnapshot {
	if l.isExpired(key.Slot) {
		return AuctionSnapshot{Phase: PhaseExpired}
	}

	e := l.get(key)
	if e == nil {
		phase := PhaseOpen
		if !l.clock.Now().Before(l.slots.Cutoff(key.Slot)) {
			phase = PhaseClosed
		}
		return AuctionSnapshot{Phase: phase}
	}

	e.mux.Lock()
	defer e.mux.Unlock()
	snap := AuctionSnapshot{Phase: e.phase}
	if e.best != nil {
		b := *e.best
		snap.Best = &b
	}
	return snap
}

// Accept makes sub the best bid of its auction if the auction is still open,
// the cutoff has not passed and sub is strictly better than the current
// best. Equal values keep the earlier bid.
func (l *BidLedger) Accept(sub *Submission) (*Bid, error) {
	if sub == nil || sub.Payload == nil || sub.Header == nil || sub.Bid.Value == nil {
		return nil, newValidationError(ReasonInvalidPayload, ErrPayloadNil)
	}
	if l.isExpired(sub.Key.Slot) {
		return nil, newRaceLostError(ReasonAuctionExpired, ErrAuctionExpired)
	}

	e := l.getOrCreate(sub.Key)
	if e == nil {
		return nil, newRaceLostError(ReasonAuctionExpired, ErrAuctionExpired)
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	switch e.phase {
	case PhaseRevealed:
		return nil, newRaceLostError(ReasonAuctionRevealed, ErrAuctionRevealed)
	case PhaseExpired:
		return nil, newRaceLostError(ReasonAuctionExpired, ErrAuctionExpired)
	case PhaseClosed:
		return nil, newRaceLostError(ReasonAuctionClosed, ErrAuctionClosed)
	}

	if !l.clock.Now().Before(l.slots.Cutoff(sub.Key.Slot)) {
		e.phase = PhaseClosed
		return nil, newRaceLostError(ReasonAuctionClosed, ErrAuctionClosed)
	}

	if e.best != nil && sub.Bid.Value.Cmp(e.best.Value) <= 0 {
		return nil, newRaceLostError(ReasonBidNotBetter, ErrBidNotBetter)
	}

	// the previous best can go unless the proposer already saw it
	if e.best != nil {
		if _, ok := e.shown[e.best.HeaderRoot]; !ok {
			delete(e.payloads, e.best.HeaderRoot)
			delete(e.bids, e.best.HeaderRoot)
		}
	}

	bid := sub.Bid
	e.best = &bid
	e.bestHeader = sub.Header
	e.payloads[bid.HeaderRoot] = sub.Payload
	e.bids[bid.HeaderRoot] = &bid
	e.received = append(e.received, receivedTrace(sub))

	accepted := bid
	return &accepted, nil
}

// Header returns the signed commitment to the best bid and remembers that
// its header root was shown to the proposer of key.
func (l *BidLedger) Header(key AuctionKey) (*GetHeaderResponse, *Bid, error) {
	if l.isExpired(key.Slot) {
		return nil, nil, ErrNoBid
	}

	e := l.get(key)
	if e == nil {
		return nil, nil, ErrNoBid
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	switch e.phase {
	case PhaseRevealed:
		return nil, nil, ErrAuctionRevealed
	case PhaseExpired:
		return nil, nil, ErrAuctionExpired
	}

	if e.best == nil {
		return nil, nil, ErrNoBid
	}

	e.shown[e.best.HeaderRoot] = struct{}{}
	bid := *e.best
	return e.bestHeader, &bid, nil
}

// Reveal releases the payload committed to by headerRoot exactly once. The
// root must have been shown to the proposer of key.
func (l *BidLedger) Reveal(key AuctionKey, headerRoot phase0.Root) (*consensuscapella.ExecutionPayload, *Bid, error) {
	if l.isExpired(key.Slot) {
		return nil, nil, ErrAuctionExpired
	}

	e := l.get(key)
	if e == nil {
		return nil, nil, ErrUnknownAuction
	}

	e.mux.Lock()
	defer e.mux.Unlock()

	switch e.phase {
	case PhaseRevealed:
		return nil, nil, ErrAuctionRevealed
	case PhaseExpired:
		return nil, nil, ErrAuctionExpired
	}

	if _, ok := e.shown[headerRoot]; !ok {
		if len(e.shown) == 0 {
			return nil, nil, newStaleCommitmentError(ReasonUnknownCommitment, ErrUnknownAuction)
		}
		return nil, nil, newStaleCommitmentError(ReasonStaleCommitment, ErrMismatchHeaders)
	}

	payload, ok := e.payloads[headerRoot]
	bid := e.bids[headerRoot]
	if !ok || bid == nil {
		return nil, nil, newStaleCommitmentError(ReasonStaleCommitment, ErrMismatchHeaders)
	}

	e.phase = PhaseRevealed
	e.revealed = headerRoot
	e.delivered = &DeliveredPayload{
		BidTrace: BidTrace{
			BlockNumber: payload.BlockNumber,
			NumTx:       uint64(len(payload.Transactions)),
			BidTrace: types.BidTrace{
				Slot:                 key.Slot,
				ParentHash:           key.ParentHash,
				BlockHash:            bid.BlockHash,
				BuilderPubkey:        bid.BuilderPubkey,
				ProposerPubkey:       key.ProposerPubkey,
				ProposerFeeRecipient: bid.FeeRecipient,
				GasLimit:             payload.GasLimit,
				GasUsed:              payload.GasUsed,
				Value:                uint256ToU256(bid.Value),
			},
		},
		Timestamp: l.clock.Now().UTC(),
	}

	// nothing else in this auction can be revealed anymore
	for root := range e.payloads {
		if root != headerRoot {
			delete(e.payloads, root)
		}
	}

	revealed := *bid
	return payload, &revealed, nil
}

// CloseThrough moves the open auctions of every slot up to and including
// slot to Closed.
func (l *BidLedger) CloseThrough(slot uint64) int {
	n := 0
	for _, e := range l.snapshot(func(s uint64) bool { return s <= slot }) {
		e.mux.Lock()
		if e.phase == PhaseOpen {
			e.phase = PhaseClosed
			n++
		}
		e.mux.Unlock()
	}
	return n
}

// Expire marks every auction of a slot below beforeSlot as Expired and drops
// it from the ledger. Later calls for those slots see them as expired.
func (l *BidLedger) Expire(beforeSlot uint64) int {
	for {
		cur := l.expiredBefore.Load()
		if beforeSlot <= cur || l.expiredBefore.CAS(cur, beforeSlot) {
			break
		}
	}

	l.mux.Lock()
	evicted := make([]*auctionEntry, 0)
	for key, e := range l.entries {
		if key.Slot < beforeSlot {
			evicted = append(evicted, e)
			delete(l.entries, key)
		}
	}
	l.mux.Unlock()

	for _, e := range evicted {
		e.mux.Lock()
		if e.phase != PhaseRevealed && e.best != nil {
			auctionsMissed.Inc()
		}
		e.phase = PhaseExpired
		e.payloads = nil
		e.bids = nil
		e.mux.Unlock()
	}
	auctionsGauge.Sub(float64(len(evicted)))
	return len(evicted)
}

func (l *BidLedger) snapshot(match func(slot uint64) bool) []*auctionEntry {
	l.mux.RLock()
	defer l.mux.RUnlock()
	entries := make([]*auctionEntry, 0)
	for key, e := range l.entries {
		if match(key.Slot) {
			entries = append(entries, e)
		}
	}
	return entries
}

// Received lists the accepted bids of slot, or of every in-flight slot
// when slot is zero, oldest first.
func (l *BidLedger) Received(slot uint64) []BidTraceReceived {
	traces := make([]BidTraceReceived, 0)
	for _, e := range l.snapshot(func(s uint64) bool { return slot == 0 || s == slot }) {
		e.mux.Lock()
		traces = append(traces, e.received...)
		e.mux.Unlock()
	}

	slices.SortFunc(traces, func(a, b BidTraceReceived) bool {
		return a.TimestampMs < b.TimestampMs
	})
	return traces
}

// Delivered lists the revealed payloads of the in-flight slots, newest slot first.
func (l *BidLedger) Delivered() []DeliveredPayload {
	delivered := make([]DeliveredPayload, 0)
	for _, e := range l.snapshot(func(uint64) bool { return true }) {
		e.mux.Lock()
		if e.delivered != nil {
			delivered = append(delivered, *e.delivered)
		}
		e.mux.Unlock()
	}

	slices.SortFunc(delivered, func(a, b DeliveredPayload) bool {
		return a.Slot > b.Slot
	})
	return delivered
}

// Len is the number of in-flight auctions.
func (l *BidLedger) Len() int {
	l.mux.RLock()
	defer l.mux.RUnlock()
	return len(l.entries)
}

func receivedTrace(sub *Submission) BidTraceReceived {
	trace := BidTrace{
		BlockNumber: sub.Bid.BlockNumber,
		NumTx:       uint64(sub.NumTx()),
		BidTrace: types.BidTrace{
			Slot:                 sub.Key.Slot,
			ParentHash:           sub.Key.ParentHash,
			BlockHash:            sub.Bid.BlockHash,
			BuilderPubkey:        sub.Bid.BuilderPubkey,
			ProposerPubkey:       sub.Key.ProposerPubkey,
			ProposerFeeRecipient: sub.Bid.FeeRecipient,
			Value:                uint256ToU256(sub.Bid.Value),
		},
	}
	if sub.Payload != nil {
		trace.GasLimit = sub.Payload.GasLimit
		trace.GasUsed = sub.Payload.GasUsed
	}
	return BidTraceReceived{
		BidTrace:    trace,
		Timestamp:   sub.Bid.ReceivedAt.Unix(),
		TimestampMs: sub.Bid.ReceivedAt.UnixMilli(),
	}
}
