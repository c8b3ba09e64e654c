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
)

// RateLimiter bounds the number of in-flight requests per key. Wait blocks
// until a slot frees up or ctx is done, in which case ErrRateLimited is
// returned. Every successful Wait must be paired with a Release.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
	Release(key string)
}

func NewRateLimiter(max uint64, idle time.Duration, clk clock.Clock) RateLimiter {
	if max == 0 {
		return &noRateLimiter{}
	}
	return newRateLimiter(max, idle, clk)
}

type noRateLimiter struct{}

func (i *noRateLimiter) Wait(ctx context.Context, key string) error {
	return nil
}

func (i *noRateLimiter) Release(key string) {}

type rateLimiter struct {
	mux   sync.Mutex
	keys  map[string]*rateLimiterSlot
	max   uint64
	idle  time.Duration
	clock clock.Clock
}

type rateLimiterSlot struct {
	sem      chan struct{}
	lastUsed time.Time
}

func newRateLimiter(max uint64, idle time.Duration, clk clock.Clock) *rateLimiter {
	return &rateLimiter{
		keys:  make(map[string]*rateLimiterSlot),
		max:   max,
		idle:  idle,
		clock: clk,
	}
}

func (i *rateLimiter) slot(key string) *rateLimiterSlot {
	i.mux.Lock()
	defer i.mux.Unlock()

	now := i.clock.Now()
	for k, v := range i.keys {
		if len(v.sem) == 0 && now.Sub(v.lastUsed) > i.idle {
			delete(i.keys, k)
		}
	}

	s, ok := i.keys[key]
	if !ok {
		s = &rateLimiterSlot{sem: make(chan struct{}, i.max)}
		i.keys[key] = s
	}
	s.lastUsed = now
	return s
}

func (i *rateLimiter) Wait(ctx context.Context, key string) error {
	s := i.slot(key)

	select {
	case s.sem <- struct{}{}:
		return nil
	default:
	}

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrRateLimited
	}
}

func (i *rateLimiter) Release(key string) {
	i.mux.Lock()
	s, ok := i.keys[key]
	if ok {
		s.lastUsed = i.clock.Now()
	}
	i.mux.Unlock()

	if !ok {
		return
	}
	select {
	case <-s.sem:
	default:
	}
}
