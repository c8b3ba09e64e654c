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
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"golang.org/x/sync/singleflight"
)

// ParentInfo describes the execution block a slot builds on.
type ParentInfo struct {
	Hash        types.Hash
	GasLimit    uint64
	BlockNumber uint64
}

type ChainState interface {
	HeadForSlot(ctx context.Context, slot uint64) (ParentInfo, error)
}

type HeaderReader interface {
	HeaderByHash(ctx context.Context, hash common.Hash) (*gethtypes.Header, error)
}

type ParentGetter interface {
	ParentFor(ctx context.Context, slot uint64) (ParentInfo, error)
}

type cachedParent struct {
	info      ParentInfo
	fetchedAt time.Time
}

// ChainView serves the parent of a slot from a short lived cache. When the
// chain state can not be reached it falls back to the last known value as
// long as that value is younger than the staleness budget.
type ChainView struct {
	state     ChainState
	clock     clock.Clock
	timeout   time.Duration
	refresh   time.Duration
	staleness time.Duration

	mux   sync.RWMutex
	cache map[uint64]cachedParent
	group singleflight.Group
	log   logger.Logger
}

func NewChainView(state ChainState, clk clock.Clock, timeout, refresh, staleness time.Duration) *ChainView {
	return &ChainView{
		state:     state,
		clock:     clk,
		timeout:   timeout,
		refresh:   refresh,
		staleness: staleness,
		cache:     make(map[uint64]cachedParent),
		log:       logger.WithValues("module", "chainView"),
	}
}

func (v *ChainView) ParentFor(ctx context.Context, slot uint64) (ParentInfo, error) {
	v.mux.RLock()
	cached, ok := v.cache[slot]
	v.mux.RUnlock()

	now := v.clock.Now()
	if ok && now.Sub(cached.fetchedAt) < v.refresh {
		return cached.info, nil
	}

	res, err, _ := v.group.Do(strconv.FormatUint(slot, 10), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		return v.state.HeadForSlot(fctx, slot)
	})
	if err == nil {
		info := res.(ParentInfo)
		v.mux.Lock()
		v.cache[slot] = cachedParent{info: info, fetchedAt: v.clock.Now()}
		v.mux.Unlock()
		return info, nil
	}

	if ok && now.Sub(cached.fetchedAt) <= v.staleness {
		v.log.Info("chain state unavailable, serving last known parent", "slot", slot, "age", now.Sub(cached.fetchedAt), "err", err.Error())
		return cached.info, nil
	}

	return ParentInfo{}, newCollaboratorUnavailableError("chain", err)
}

// Prune drops cached parents of slots below beforeSlot.
func (v *ChainView) Prune(beforeSlot uint64) {
	v.mux.Lock()
	defer v.mux.Unlock()
	for slot := range v.cache {
		if slot < beforeSlot {
			delete(v.cache, slot)
		}
	}
}

// beaconChainState learns the parent of upcoming slots from the beacon
// payload_attributes topic and reads the parent gas limit from the
// execution client.
type beaconChainState struct {
	eth HeaderReader

	mux       sync.RWMutex
	bySlot    map[uint64]PayloadAttributesEventData
	gasLimits map[common.Hash]uint64
	retain    uint64
	log       logger.Logger
}

func NewBeaconChainState(eth HeaderReader, retainSlots uint64) *beaconChainState {
	return &beaconChainState{
		eth:       eth,
		bySlot:    make(map[uint64]PayloadAttributesEventData),
		gasLimits: make(map[common.Hash]uint64),
		retain:    retainSlots,
		log:       logger.WithValues("module", "beaconChainState"),
	}
}

// DialExecution connects the execution client used for parent headers.
func DialExecution(ctx context.Context, url string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, url)
}

// Run consumes payload attributes events until ctx is done.
func (s *beaconChainState) Run(ctx context.Context, mb MultiBeacon) {
	events := make(chan PayloadAttributesEvent, 16)
	mb.SubscribeToPayloadAttributesEvents(ctx, events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.observe(ev.Data)
		}
	}
}

func (s *beaconChainState) observe(data PayloadAttributesEventData) {
	s.mux.Lock()
	defer s.mux.Unlock()

	prev, ok := s.bySlot[data.ProposalSlot]
	if ok && prev.ParentBlockHash != data.ParentBlockHash {
		s.log.Info("parent changed for slot", "slot", data.ProposalSlot, "old", prev.ParentBlockHash, "new", data.ParentBlockHash)
	}
	s.bySlot[data.ProposalSlot] = data

	for slot := range s.bySlot {
		if slot+s.retain < data.ProposalSlot {
			delete(s.bySlot, slot)
		}
	}
	if len(s.gasLimits) > int(4*s.retain+16) {
		s.gasLimits = make(map[common.Hash]uint64)
	}
}

func (s *beaconChainState) HeadForSlot(ctx context.Context, slot uint64) (ParentInfo, error) {
	s.mux.RLock()
	data, ok := s.bySlot[slot]
	s.mux.RUnlock()
	if !ok {
		return ParentInfo{}, ErrNoParentForSlot
	}

	hash := common.HexToHash(data.ParentBlockHash)
	info := ParentInfo{Hash: types.Hash(hash), BlockNumber: data.ParentBlockNumber}

	s.mux.RLock()
	gasLimit, ok := s.gasLimits[hash]
	s.mux.RUnlock()
	if ok {
		info.GasLimit = gasLimit
		return info, nil
	}

	header, err := s.eth.HeaderByHash(ctx, hash)
	if err != nil {
		return ParentInfo{}, err
	}

	s.mux.Lock()
	s.gasLimits[hash] = header.GasLimit
	s.mux.Unlock()

	info.GasLimit = header.GasLimit
	info.BlockNumber = header.Number.Uint64()
	return info, nil
}
