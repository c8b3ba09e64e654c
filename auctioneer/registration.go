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

	"github.com/benbjohnson/clock"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"golang.org/x/exp/maps"
)

const registrationFutureSlack = 10 * time.Second

type RegistrationStore interface {
	PutRegistration(reg types.SignedValidatorRegistration) error
	Registrations() ([]types.SignedValidatorRegistration, error)
}

type RegistrationGetter interface {
	Lookup(pubkey types.PublicKey) (types.SignedValidatorRegistration, bool)
	Len() int
}

// RegistrationCache keeps the latest signed fee recipient and gas limit
// preferences of every validator. Entries are replaced, never mutated.
type RegistrationCache struct {
	mux     sync.RWMutex
	entries map[types.PublicKey]types.SignedValidatorRegistration

	domain types.Domain
	clock  clock.Clock
	store  RegistrationStore
	queue  chan types.SignedValidatorRegistration
	log    logger.Logger
}

// NewRegistrationCache creates a cache verifying signatures against the
// builder domain. A nil store keeps registrations in memory only.
func NewRegistrationCache(domain types.Domain, clk clock.Clock, store RegistrationStore, queueSize uint64) *RegistrationCache {
	c := &RegistrationCache{
		entries: make(map[types.PublicKey]types.SignedValidatorRegistration),
		domain:  domain,
		clock:   clk,
		store:   store,
		log:     logger.WithValues("module", "registrationCache"),
	}
	if store != nil {
		c.queue = make(chan types.SignedValidatorRegistration, queueSize)
	}
	return c
}

// Load warms the cache from the store.
func (c *RegistrationCache) Load() error {
	if c.store == nil {
		return nil
	}

	regs, err := c.store.Registrations()
	if err != nil {
		return err
	}

	for _, reg := range regs {
		if reg.Message == nil {
			continue
		}
		c.put(reg)
	}
	c.log.Info("loaded registrations", "count", len(regs))
	return nil
}

// Run persists accepted registrations until ctx is done.
func (c *RegistrationCache) Run(ctx context.Context) {
	if c.store == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reg := <-c.queue:
			if err := c.store.PutRegistration(reg); err != nil {
				c.log.Error(err, "failed to persist registration", "pubkey", reg.Message.Pubkey)
			}
		}
	}
}

// Register verifies and applies a batch. Bad entries are reported per index
// and never fail the rest of the batch.
func (c *RegistrationCache) Register(batch []types.SignedValidatorRegistration) RegisterResult {
	res := RegisterResult{Rejected: make([]RegistrationRejection, 0)}
	maxTimestamp := uint64(c.clock.Now().Add(registrationFutureSlack).Unix())

	reject := func(i int, pk types.PublicKey, reason string) {
		res.Rejected = append(res.Rejected, RegistrationRejection{Index: i, Pubkey: pk, Reason: reason})
		registrationsTotal.WithLabelValues("rejected").Inc()
	}

	for i, reg := range batch {
		if reg.Message == nil {
			reject(i, types.PublicKey{}, ReasonInvalidPayload)
			continue
		}

		pk := reg.Message.Pubkey
		if reg.Message.Timestamp > maxTimestamp {
			reject(i, pk, ReasonInvalidTimestamp)
			continue
		}

		ok, err := types.VerifySignature(reg.Message, c.domain, pk[:], reg.Signature[:])
		if err != nil || !ok {
			reject(i, pk, ReasonInvalidSignature)
			continue
		}

		if !c.put(reg) {
			res.Unchanged++
			registrationsTotal.WithLabelValues("unchanged").Inc()
			continue
		}

		res.Accepted++
		registrationsTotal.WithLabelValues("accepted").Inc()
		c.persist(reg)
	}

	return res
}

// put stores reg unless an entry with the same or a newer timestamp exists.
func (c *RegistrationCache) put(reg types.SignedValidatorRegistration) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	prev, ok := c.entries[reg.Message.Pubkey]
	if ok && prev.Message.Timestamp >= reg.Message.Timestamp {
		return false
	}
	c.entries[reg.Message.Pubkey] = reg
	return true
}

func (c *RegistrationCache) persist(reg types.SignedValidatorRegistration) {
	if c.queue == nil {
		return
	}

	select {
	case c.queue <- reg:
	default:
		c.log.Error(ErrRegistrationQueueFull, "dropping registration write", "pubkey", reg.Message.Pubkey)
	}
}

func (c *RegistrationCache) Lookup(pubkey types.PublicKey) (types.SignedValidatorRegistration, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	reg, ok := c.entries[pubkey]
	return reg, ok
}

func (c *RegistrationCache) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.entries)
}

func (c *RegistrationCache) All() []types.SignedValidatorRegistration {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return maps.Values(c.entries)
}
