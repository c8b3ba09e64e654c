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
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/manifoldfinance/mev-auctioneer/logger"
)

const validateBuilderSubmissionMethod = "flashbots_validateBuilderSubmissionV2"

type BlockSimulator interface {
	Simulate(ctx context.Context, req *BuilderBlockValidationRequest) error
}

type rpcSimulator struct {
	client  *rpc.Client
	safeURI string
	timeout time.Duration
	log     logger.Logger
}

// NewBlockSimulator dials the block validation node. An empty url disables
// simulation and every submission passes.
func NewBlockSimulator(ctx context.Context, url string, timeout time.Duration) (BlockSimulator, error) {
	if url == "" {
		logger.Info("block simulation disabled")
		return noopSimulator{}, nil
	}

	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("could not dial block simulator: %w", err)
	}

	return &rpcSimulator{
		client:  client,
		safeURI: hideCredentialsFromURL(url),
		timeout: timeout,
		log:     logger.WithValues("module", "blockSimulator"),
	}, nil
}

func (s *rpcSimulator) Simulate(ctx context.Context, req *BuilderBlockValidationRequest) error {
	if req == nil || req.IsEmpty() {
		return ErrPayloadNil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	var result json.RawMessage
	err := s.client.CallContext(ctx, &result, validateBuilderSubmissionMethod, req)
	simulationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Debug("simulation failed", "slot", req.Slot(), "uri", s.safeURI, "err", err.Error())
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

func (s *rpcSimulator) Close() {
	s.client.Close()
}

type noopSimulator struct{}

func (noopSimulator) Simulate(context.Context, *BuilderBlockValidationRequest) error {
	return nil
}
