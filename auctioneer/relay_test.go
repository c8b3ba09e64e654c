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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	builderapi "github.com/attestantio/go-builder-client/api"
	v1 "github.com/attestantio/go-builder-client/api/v1"
	builderspec "github.com/attestantio/go-builder-client/spec"
	consensuscapella "github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestRelay(t *testing.T) (*relay, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	topBids := NewTopBidStream()
	t.Cleanup(topBids.Close)
	s := NewRelay(
		env.validator,
		env.ledger,
		env.exchange,
		env.registrations,
		env.duties,
		topBids,
		nil,
		NewRateLimiter(1, time.Minute, env.clock),
		env.clock,
		trace.NewNoopTracerProvider().Tracer(""),
	)
	return s, env
}

func serve(s *relay, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, req)
	return rr
}

func decodeJSONError(t *testing.T, rr *httptest.ResponseRecorder) JSONError {
	t.Helper()
	var res JSONError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return res
}

func headerPath(key AuctionKey) string {
	return fmt.Sprintf("/eth/v1/builder/header/%d/%s/%s", key.Slot, key.ParentHash.String(), key.ProposerPubkey.String())
}

func postJSON(t *testing.T, pth string, body interface{}) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, pth, io.NopCloser(bytes.NewReader(b)))
	req.ContentLength = int64(len(b))
	return req
}

func TestRootHandler(t *testing.T) {
	s, _ := newTestRelay(t)
	rr := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	h := http.HandlerFunc(s.rootHandler())
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	res, _ := io.ReadAll(rr.Body)
	assert.Equal(t, "PBS Relay API", string(res))
}

func TestBuilderStatusHandler(t *testing.T) {
	s, _ := newTestRelay(t)
	req, _ := http.NewRequest(http.MethodGet, pathStatus, nil)
	rr := serve(s, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	b, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestRelay(t)
	req, _ := http.NewRequest(http.MethodDelete, pathStatus, nil)
	rr := serve(s, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRegisterValidatorHandler(t *testing.T) {
	s, env := newTestRelay(t)

	sk, pk := newTestKeypair(t)
	_, otherPK := newTestKeypair(t)
	now := uint64(env.clock.Now().Unix())
	good := newTestRegistration(t, sk, pk, env.cfg.DomainBuilder, types.Address(random20Bytes()), now)
	forged := newTestRegistration(t, sk, otherPK, env.cfg.DomainBuilder, types.Address(random20Bytes()), now)

	rr := serve(s, postJSON(t, pathRegisterValidator, []types.SignedValidatorRegistration{good, forged}))
	require.Equal(t, http.StatusOK, rr.Code)

	var res RegisterResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, []RegistrationRejection{{Index: 1, Pubkey: otherPK, Reason: ReasonInvalidSignature}}, res.Rejected)

	reg, ok := env.registrations.Lookup(pk)
	require.True(t, ok)
	require.Equal(t, good.Message.FeeRecipient, reg.Message.FeeRecipient)

	req, _ := http.NewRequest(http.MethodPost, pathRegisterValidator, bytes.NewReader([]byte("{")))
	rr = serve(s, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBuilderHeaderHandler(t *testing.T) {
	s, env := newTestRelay(t)

	req, _ := http.NewRequest(http.MethodGet, headerPath(env.key()), nil)
	rr := serve(s, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	sub, err := env.accept(t, env.submitRequest(t, 1_234, nil))
	require.NoError(t, err)

	req, _ = http.NewRequest(http.MethodGet, headerPath(env.key()), nil)
	rr = serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var res builderspec.VersionedSignedBuilderBid
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Equal(t, sub.Header.Capella, &res)
	require.Equal(t, uint64(1_234), res.Capella.Message.Value.Uint64())

	bad := []string{
		fmt.Sprintf("/eth/v1/builder/header/abc/%s/%s", env.parent.Hash.String(), env.proposerPK.String()),
		fmt.Sprintf("/eth/v1/builder/header/%d/0x1234/%s", env.slot, env.proposerPK.String()),
		fmt.Sprintf("/eth/v1/builder/header/%d/%s/0x1234", env.slot, env.parent.Hash.String()),
	}
	for _, pth := range bad {
		req, _ = http.NewRequest(http.MethodGet, pth, nil)
		rr = serve(s, req)
		require.Equal(t, http.StatusBadRequest, rr.Code, pth)
	}
}

func TestBuilderHeaderHandlerAfterReveal(t *testing.T) {
	s, env := newTestRelay(t)

	_, err := env.accept(t, env.submitRequest(t, 1_000, nil))
	require.NoError(t, err)
	header, _, err := env.exchange.GetHeader(env.key())
	require.NoError(t, err)
	_, _, err = env.exchange.GetPayload(context.Background(), env.blindedBlock(t, shownHeader(t, header)))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, headerPath(env.key()), nil)
	rr := serve(s, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestSubmitNewBlockHandler(t *testing.T) {
	s, env := newTestRelay(t)

	rr := serve(s, postJSON(t, pathSubmitNewBlock, env.submitRequest(t, 1_000, nil)))
	require.Equal(t, http.StatusOK, rr.Code)
	var res SubmitBlockResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Equal(t, "1000", res.Value)

	snap := env.ledger.Peek(env.key())
	require.Equal(t, uint64(1_000), snap.Best.Value.Uint64())

	// not better
	rr = serve(s, postJSON(t, pathSubmitNewBlock, env.submitRequest(t, 1_000, nil)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonBidNotBetter, decodeJSONError(t, rr).Reason)

	// validation failure
	rr = serve(s, postJSON(t, pathSubmitNewBlock, env.submitRequest(t, 2_000, func(trace *v1.BidTrace, payload *consensuscapella.ExecutionPayload) {
		trace.BlockHash = phase0.Hash32(random32Bytes())
	})))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonPayloadMismatch, decodeJSONError(t, rr).Reason)

	// malformed
	req, _ := http.NewRequest(http.MethodPost, pathSubmitNewBlock, bytes.NewReader([]byte("{")))
	rr = serve(s, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonInvalidPayload, decodeJSONError(t, rr).Reason)

	req, _ = http.NewRequest(http.MethodPost, pathSubmitNewBlock, bytes.NewReader([]byte("{}")))
	rr = serve(s, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonInvalidPayload, decodeJSONError(t, rr).Reason)
}

func TestSubmitNewBlockHandlerRevealedAuction(t *testing.T) {
	s, env := newTestRelay(t)

	_, err := env.accept(t, env.submitRequest(t, 1_000, nil))
	require.NoError(t, err)
	header, _, err := env.exchange.GetHeader(env.key())
	require.NoError(t, err)
	_, _, err = env.exchange.GetPayload(context.Background(), env.blindedBlock(t, shownHeader(t, header)))
	require.NoError(t, err)

	rr := serve(s, postJSON(t, pathSubmitNewBlock, env.submitRequest(t, 2_000, nil)))
	require.Equal(t, http.StatusGone, rr.Code)
	require.Equal(t, ReasonAuctionRevealed, decodeJSONError(t, rr).Reason)
}

func TestSubmitNewBlockHandlerAfterCutoff(t *testing.T) {
	s, env := newTestRelay(t)

	req := env.submitRequest(t, 1_000, nil)
	env.clock.Set(env.slots.Cutoff(env.slot))
	rr := serve(s, postJSON(t, pathSubmitNewBlock, req))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonAuctionClosed, decodeJSONError(t, rr).Reason)
}

func TestSubmitNewBlockHandlerCollaboratorUnavailable(t *testing.T) {
	s, env := newTestRelay(t)
	env.simulator.err = context.DeadlineExceeded

	rr := serve(s, postJSON(t, pathSubmitNewBlock, env.submitRequest(t, 1_000, nil)))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, ReasonCollaboratorUnavailable, decodeJSONError(t, rr).Reason)
}

func TestSubmitNewBlockHandlerRateLimited(t *testing.T) {
	s, env := newTestRelay(t)
	req := env.submitRequest(t, 1_000, nil)

	bidTrace := req.BidTrace()
	rlKey := fmt.Sprintf("%s_%d", bidTrace.BuilderPubkey.String(), bidTrace.Slot)
	require.NoError(t, s.limiter.Wait(context.Background(), rlKey))

	rr := serve(s, postJSON(t, pathSubmitNewBlock, req))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	s.limiter.Release(rlKey)
	rr = serve(s, postJSON(t, pathSubmitNewBlock, req))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestUnblindBlindedBlockHandler(t *testing.T) {
	s, env := newTestRelay(t)

	sub, err := env.accept(t, env.submitRequest(t, 1_000, nil))
	require.NoError(t, err)
	header, _, err := env.exchange.GetHeader(env.key())
	require.NoError(t, err)
	block := env.blindedBlock(t, shownHeader(t, header))

	rr := serve(s, postJSON(t, pathGetPayload, block))
	require.Equal(t, http.StatusOK, rr.Code)

	var res builderapi.VersionedExecutionPayload
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Equal(t, sub.Payload, res.Capella)

	select {
	case <-env.publisher.published:
	case <-time.After(time.Second):
		t.Fatal("block was not published")
	}

	rr = serve(s, postJSON(t, pathGetPayload, block))
	require.Equal(t, http.StatusGone, rr.Code)
	require.Equal(t, ReasonAuctionRevealed, decodeJSONError(t, rr).Reason)
}

func TestUnblindBlindedBlockHandlerRejections(t *testing.T) {
	s, env := newTestRelay(t)

	sub, err := env.accept(t, env.submitRequest(t, 1_000, nil))
	require.NoError(t, err)

	// never shown
	notShown, _, err := payloadHeaderRoot(sub.Payload)
	require.NoError(t, err)
	rr := serve(s, postJSON(t, pathGetPayload, env.blindedBlock(t, notShown)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonUnknownCommitment, decodeJSONError(t, rr).Reason)

	header, _, err := env.exchange.GetHeader(env.key())
	require.NoError(t, err)

	// unknown auction
	h := *shownHeader(t, header)
	h.ParentHash = phase0.Hash32(random32Bytes())
	rr = serve(s, postJSON(t, pathGetPayload, env.blindedBlock(t, &h)))
	require.Equal(t, http.StatusNotFound, rr.Code)

	// bad signature
	sk, _ := newTestKeypair(t)
	rr = serve(s, postJSON(t, pathGetPayload, env.blindedBlockBy(t, sk, shownHeader(t, header))))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonInvalidSignature, decodeJSONError(t, rr).Reason)

	// malformed
	req, _ := http.NewRequest(http.MethodPost, pathGetPayload, bytes.NewReader([]byte("{")))
	rr = serve(s, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, ReasonInvalidPayload, decodeJSONError(t, rr).Reason)
}

func TestPerEpochValidatorsHandler(t *testing.T) {
	s, env := newTestRelay(t)

	req, _ := http.NewRequest(http.MethodGet, pathBuilderValidators, nil)
	rr := serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var res []BuilderGetValidatorsResponseEntry
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Len(t, res, 1)
	require.Equal(t, env.slot, res[0].Slot)
	require.Equal(t, testProposerIndex, res[0].ValidatorIndex)
	require.Equal(t, env.proposerPK, res[0].Entry.Message.Pubkey)
	require.Equal(t, env.feeRecipient, res[0].Entry.Message.FeeRecipient)
}

func TestDataHandlers(t *testing.T) {
	s, env := newTestRelay(t)

	first, err := env.accept(t, env.submitRequest(t, 1_000, nil))
	require.NoError(t, err)
	second, err := env.accept(t, env.submitRequest(t, 2_000, nil))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s?slot=%d", pathDataBlocksReceived, env.slot), nil)
	rr := serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var received []BidTraceReceived
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&received))
	require.Len(t, received, 2)

	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s?slot=%d&block_hash=%s", pathDataBlocksReceived, env.slot, first.Bid.BlockHash.String()), nil)
	rr = serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)
	received = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&received))
	require.Len(t, received, 1)
	require.Equal(t, first.Bid.BlockHash, received[0].BlockHash)

	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s?slot=%d&limit=1", pathDataBlocksReceived, env.slot), nil)
	rr = serve(s, req)
	received = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&received))
	require.Len(t, received, 1)

	for _, q := range []string{"slot=abc", "limit=0", "limit=-1", "block_hash=xyz"} {
		req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s?%s", pathDataBlocksReceived, q), nil)
		rr = serve(s, req)
		require.Equal(t, http.StatusBadRequest, rr.Code, q)
	}

	req, _ = http.NewRequest(http.MethodGet, pathDataPayloadDelivered, nil)
	rr = serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var delivered []BidTrace
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&delivered))
	require.Empty(t, delivered)

	header, _, err := env.exchange.GetHeader(env.key())
	require.NoError(t, err)
	_, _, err = env.exchange.GetPayload(context.Background(), env.blindedBlock(t, shownHeader(t, header)))
	require.NoError(t, err)

	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s?slot=%d", pathDataPayloadDelivered, env.slot), nil)
	rr = serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)
	delivered = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&delivered))
	require.Len(t, delivered, 1)
	require.Equal(t, second.Bid.BlockHash, delivered[0].BlockHash)
	require.Equal(t, env.proposerPK, delivered[0].ProposerPubkey)
	require.Equal(t, types.IntToU256(2_000), delivered[0].Value)

	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("%s?slot=%d", pathDataPayloadDelivered, env.slot+1), nil)
	rr = serve(s, req)
	delivered = nil
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&delivered))
	require.Empty(t, delivered)
}

func getJSON[T any](t *testing.T, s *relay, pth string) (int, T) {
	t.Helper()
	var res T
	req, _ := http.NewRequest(http.MethodGet, pth, nil)
	rr := serve(s, req)
	if rr.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	}
	return rr.Code, res
}

func TestDataHandlerFilters(t *testing.T) {
	s, env := newTestRelay(t)
	otherSK, otherPK := newTestKeypair(t)

	first, err := env.accept(t, env.submitRequest(t, 1_000, nil))
	require.NoError(t, err)
	second, err := env.accept(t, env.submitRequestBy(t, otherSK, otherPK, 2_000, func(trace *v1.BidTrace, payload *consensuscapella.ExecutionPayload) {
		payload.BlockNumber = env.parent.BlockNumber + 2
	}))
	require.NoError(t, err)
	third, err := env.accept(t, env.submitRequest(t, 3_000, nil))
	require.NoError(t, err)

	received := func(q string) []BidTraceReceived {
		t.Helper()
		code, res := getJSON[[]BidTraceReceived](t, s, fmt.Sprintf("%s?slot=%d&%s", pathDataBlocksReceived, env.slot, q))
		require.Equal(t, http.StatusOK, code, q)
		return res
	}
	values := func(traces []BidTraceReceived) []types.U256Str {
		res := make([]types.U256Str, 0, len(traces))
		for _, tr := range traces {
			res = append(res, tr.Value)
		}
		return res
	}

	res := received("builder_pubkey=" + env.builderPK.String())
	require.Len(t, res, 2)
	require.ElementsMatch(t, []types.Hash{first.Bid.BlockHash, third.Bid.BlockHash}, []types.Hash{res[0].BlockHash, res[1].BlockHash})

	res = received("builder_pubkey=" + otherPK.String())
	require.Len(t, res, 1)
	require.Equal(t, second.Bid.BlockHash, res[0].BlockHash)

	res = received(fmt.Sprintf("block_number=%d", env.parent.BlockNumber+2))
	require.Len(t, res, 1)
	require.Equal(t, second.Bid.BlockHash, res[0].BlockHash)
	require.Empty(t, received("block_number=1"))

	require.Equal(t, []types.U256Str{types.IntToU256(3_000), types.IntToU256(2_000), types.IntToU256(1_000)}, values(received("order_by=-value")))
	require.Equal(t, []types.U256Str{types.IntToU256(1_000), types.IntToU256(2_000), types.IntToU256(3_000)}, values(received("order_by=value")))

	// the limit applies after ordering
	require.Equal(t, []types.U256Str{types.IntToU256(3_000)}, values(received("order_by=-value&limit=1")))

	for _, q := range []string{"block_number=x", "builder_pubkey=0x12", "order_by=slot", "cursor=abc", "slot=1&cursor=2"} {
		code, _ := getJSON[[]BidTraceReceived](t, s, fmt.Sprintf("%s?%s", pathDataBlocksReceived, q))
		require.Equal(t, http.StatusBadRequest, code, q)
	}

	header, _, err := env.exchange.GetHeader(env.key())
	require.NoError(t, err)
	_, _, err = env.exchange.GetPayload(context.Background(), env.blindedBlock(t, shownHeader(t, header)))
	require.NoError(t, err)

	tests := []struct {
		query string
		found bool
	}{
		{"proposer_pubkey=" + env.proposerPK.String(), true},
		{"proposer_pubkey=" + otherPK.String(), false},
		{"builder_pubkey=" + env.builderPK.String(), true},
		{"builder_pubkey=" + otherPK.String(), false},
		{fmt.Sprintf("block_number=%d", env.parent.BlockNumber+1), true},
		{fmt.Sprintf("block_number=%d", env.parent.BlockNumber+2), false},
		{"block_hash=" + third.Bid.BlockHash.String(), true},
		{"block_hash=" + first.Bid.BlockHash.String(), false},
		{fmt.Sprintf("cursor=%d", env.slot), true},
		{fmt.Sprintf("cursor=%d", env.slot-1), false},
		{"order_by=-value", true},
	}
	for _, tt := range tests {
		code, delivered := getJSON[[]BidTrace](t, s, fmt.Sprintf("%s?%s", pathDataPayloadDelivered, tt.query))
		require.Equal(t, http.StatusOK, code, tt.query)
		if !tt.found {
			require.Empty(t, delivered, tt.query)
			continue
		}
		require.Len(t, delivered, 1, tt.query)
		require.Equal(t, third.Bid.BlockHash, delivered[0].BlockHash, tt.query)
	}

	for _, q := range []string{"proposer_pubkey=xyz", "order_by=x", fmt.Sprintf("slot=%d&cursor=%d", env.slot, env.slot)} {
		code, _ := getJSON[[]BidTrace](t, s, fmt.Sprintf("%s?%s", pathDataPayloadDelivered, q))
		require.Equal(t, http.StatusBadRequest, code, q)
	}
}

func TestSortByValue(t *testing.T) {
	traces := make([]DeliveredPayload, 0)
	for i, v := range []uint64{2, 5, 2, 9} {
		d := DeliveredPayload{}
		d.Value = types.IntToU256(v)
		d.Slot = uint64(i)
		traces = append(traces, d)
	}
	slotsOf := func() []uint64 {
		res := make([]uint64, 0, len(traces))
		for _, d := range traces {
			res = append(res, d.Slot)
		}
		return res
	}
	value := func(d DeliveredPayload) types.U256Str { return d.Value }

	sortByValue(&dataQuery{}, traces, value)
	require.Equal(t, []uint64{0, 1, 2, 3}, slotsOf())

	sortByValue(&dataQuery{orderBy: orderValueDesc}, traces, value)
	require.Equal(t, []uint64{3, 1, 0, 2}, slotsOf())

	sortByValue(&dataQuery{orderBy: orderValueAsc}, traces, value)
	require.Equal(t, []uint64{0, 2, 1, 3}, slotsOf())
}

func TestRegisteredValidatorHandler(t *testing.T) {
	s, env := newTestRelay(t)

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s?pubkey=%s", pathDataValidatorRegistery, env.proposerPK.String()), nil)
	rr := serve(s, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var reg types.SignedValidatorRegistration
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&reg))
	require.Equal(t, env.feeRecipient, reg.Message.FeeRecipient)

	for _, q := range []string{"", "?pubkey=0x1234", fmt.Sprintf("?pubkey=%s", types.PublicKey(random48Bytes()).String())} {
		req, _ = http.NewRequest(http.MethodGet, pathDataValidatorRegistery+q, nil)
		rr = serve(s, req)
		require.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestAuctionKeyFromParams(t *testing.T) {
	parent := types.Hash(random32Bytes())
	pk := types.PublicKey(random48Bytes())

	key, err := auctionKeyFromParams(httprouter.Params{
		{Key: "slot", Value: "96"},
		{Key: "parentHash", Value: parent.String()},
		{Key: "pubKey", Value: pk.String()},
	})
	require.NoError(t, err)
	require.Equal(t, AuctionKey{Slot: 96, ParentHash: parent, ProposerPubkey: pk}, key)

	tests := []httprouter.Params{
		{},
		{{Key: "slot", Value: "-1"}, {Key: "parentHash", Value: parent.String()}, {Key: "pubKey", Value: pk.String()}},
		{{Key: "slot", Value: "96"}, {Key: "parentHash", Value: "0x12"}, {Key: "pubKey", Value: pk.String()}},
		{{Key: "slot", Value: "96"}, {Key: "parentHash", Value: parent.String()}, {Key: "pubKey", Value: "0x12"}},
		{{Key: "slot", Value: "96"}, {Key: "parentHash", Value: "12" + parent.String()[2:]}, {Key: "pubKey", Value: pk.String()}},
	}
	for _, params := range tests {
		_, err := auctionKeyFromParams(params)
		require.Error(t, err)
	}
}

func TestStatusMapping(t *testing.T) {
	submit := []struct {
		err  error
		code int
	}{
		{newCollaboratorUnavailableError("chain", errors.New("x")), http.StatusServiceUnavailable},
		{newRaceLostError(ReasonAuctionRevealed, ErrAuctionRevealed), http.StatusGone},
		{newRaceLostError(ReasonAuctionExpired, ErrAuctionExpired), http.StatusGone},
		{newRaceLostError(ReasonBidNotBetter, ErrBidNotBetter), http.StatusBadRequest},
		{newRaceLostError(ReasonAuctionClosed, ErrAuctionClosed), http.StatusBadRequest},
		{newValidationError(ReasonZeroValue, errors.New("x")), http.StatusBadRequest},
		{ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range submit {
		require.Equal(t, tt.code, submitStatus(tt.err), "%v", tt.err)
	}

	getPayload := []struct {
		err  error
		code int
	}{
		{newCollaboratorUnavailableError("duties", errors.New("x")), http.StatusServiceUnavailable},
		{newStaleCommitmentError(ReasonStaleCommitment, ErrMismatchHeaders), http.StatusBadRequest},
		{newStaleCommitmentError(ReasonUnknownCommitment, ErrUnknownAuction), http.StatusBadRequest},
		{newValidationError(ReasonInvalidSignature, ErrInvalidSignature), http.StatusBadRequest},
		{ErrUnknownAuction, http.StatusNotFound},
		{ErrAuctionRevealed, http.StatusGone},
		{ErrAuctionExpired, http.StatusGone},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range getPayload {
		require.Equal(t, tt.code, getPayloadStatus(tt.err), "%v", tt.err)
	}
}
