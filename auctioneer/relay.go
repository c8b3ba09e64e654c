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
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/julienschmidt/httprouter"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"
)

const (
	pathRoot                   = "/"
	pathStatus                 = "/eth/v1/builder/status"
	pathRegisterValidator      = "/eth/v1/builder/validators"
	pathGetHeader              = "/eth/v1/builder/header/:slot/:parentHash/:pubKey"
	pathGetPayload             = "/eth/v1/builder/blinded_blocks"
	pathBuilderValidators      = "/relay/v1/builder/validators"
	pathSubmitNewBlock         = "/relay/v1/builder/blocks"
	pathTopBids                = "/relay/v1/builder/top_bids"
	pathDataPayloadDelivered   = "/relay/v1/data/bidtraces/proposer_payload_delivered"
	pathDataBlocksReceived     = "/relay/v1/data/bidtraces/builder_blocks_received"
	pathDataValidatorRegistery = "/relay/v1/data/validator_registration"

	// how long a submission may queue behind in-flight submissions of the
	// same builder for the same slot
	rateLimitWait = 50 * time.Millisecond

	defaultDataLimit = 200
)

var (
	ethV1BuilderSlotRgx = regexp.MustCompile("^[0-9]+$")
	ethV1BuilderHashRgx = regexp.MustCompile("^0x[a-fA-F0-9]+$")
)

type Relay interface {
	HTTPServer(addr string, readTimeout, readHeadTimeout, writeTimeout, idleTimeout uint64) *http.Server
}

type Registrar interface {
	RegistrationGetter
	Register(batch []types.SignedValidatorRegistration) RegisterResult
}

type relay struct {
	validator     *SubmissionValidator
	ledger        *BidLedger
	exchange      *Exchange
	registrations Registrar
	duties        DutyGetter
	topBids       *TopBidStream
	evtSender     EventSender
	limiter       RateLimiter
	clock         clock.Clock
	tracer        trace.Tracer
}

func NewRelay(validator *SubmissionValidator, ledger *BidLedger, exchange *Exchange, registrations Registrar, duties DutyGetter, topBids *TopBidStream, evtSender EventSender, limiter RateLimiter, clk clock.Clock, tracer trace.Tracer) *relay {
	if evtSender == nil {
		evtSender = newDummyEventSender()
	}
	if limiter == nil {
		limiter = &noRateLimiter{}
	}
	return &relay{
		validator:     validator,
		ledger:        ledger,
		exchange:      exchange,
		registrations: registrations,
		duties:        duties,
		topBids:       topBids,
		evtSender:     evtSender,
		limiter:       limiter,
		clock:         clk,
		tracer:        tracer,
	}
}

func (s *relay) HTTPServer(addr string, readTimeout, readHeadTimeout, writeTimeout, idleTimeout uint64) *http.Server {
	mux := s.routes()
	handler := cors.Default().Handler(mux)

	srv := http.Server{
		Addr:    addr,
		Handler: handler,

		ReadTimeout:       time.Duration(readTimeout) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(readHeadTimeout) * time.Millisecond,
		WriteTimeout:      time.Duration(writeTimeout) * time.Second,
		IdleTimeout:       time.Duration(idleTimeout) * time.Second,
	}

	return &srv
}

// @contact.name   Manifold Finance, Inc.
// @contact.url    https://www.manifoldfinance.com/

// @license.name The Universal Permissive License (UPL), Version 1.0
// @license.url https://oss.oracle.com/licenses/upl/
// @title Auctioneer API
// @version 1.0
// @description Relay auction API for builders and proposers.
// @host localhost:50051
// @BasePath /
func (s *relay) routes() *httprouter.Router {
	mux := httprouter.New()
	// root
	mux.HandlerFunc(http.MethodGet, pathRoot, wrapper(s.clock, s.rootHandler()))

	// proposer endpoints
	mux.HandlerFunc(http.MethodGet, pathStatus, wrapper(s.clock, s.statusHandler()))
	mux.HandlerFunc(http.MethodPost, pathRegisterValidator, wrapper(s.clock, s.registerValidatorHandler()))
	mux.HandlerFunc(http.MethodGet, pathGetHeader, wrapper(s.clock, s.builderHeaderHandler()))
	mux.HandlerFunc(http.MethodPost, pathGetPayload, wrapper(s.clock, s.unblindBlindedBlockHandler()))

	// builder endpoints
	mux.HandlerFunc(http.MethodGet, pathBuilderValidators, wrapper(s.clock, s.perEpochValidatorsHandler()))
	mux.HandlerFunc(http.MethodPost, pathSubmitNewBlock, wrapper(s.clock, s.submitNewBlockHandler()))
	if s.topBids != nil {
		// event stream, must not go through the gzip wrapper
		mux.Handler(http.MethodGet, pathTopBids, s.topBids)
	}

	// data endpoints
	mux.HandlerFunc(http.MethodGet, pathDataPayloadDelivered, wrapper(s.clock, s.deliveredPayloadHandler()))
	mux.HandlerFunc(http.MethodGet, pathDataBlocksReceived, wrapper(s.clock, s.submissionPayloadHandler()))
	mux.HandlerFunc(http.MethodGet, pathDataValidatorRegistery, wrapper(s.clock, s.registeredValidatorHandler()))

	mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return mux
}

func (s *relay) rootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("PBS Relay API")) //nolint:errcheck
	}
}

// @Tags Proposer
// @Summary Health check
// @Description Get the health status of the relay server
// @Success 200
// @Router /eth/v1/builder/status [get]
func (s *relay) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// @Tags Proposer
// @Summary Register validators
// @Description Register or update validator's preferences. Every entry is judged on its own.
// @Accept json
// @Produce json
// @Param body body []types.SignedValidatorRegistration true "Signed validator registration"
// @Success 200 {object} RegisterResult
// @Failure 400 {object} JSONError
// @Router /eth/v1/builder/validators [post]
func (s *relay) registerValidatorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithValues(
			"method", "registerValidator",
			"userAgent", r.UserAgent(),
		)

		p := make([]types.SignedValidatorRegistration, 0)
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			log.Error(err, "failed to decode request body")
			httpJSONError(w, http.StatusBadRequest, "failed to decode request body")
			return
		}
		defer r.Body.Close() //nolint:errcheck

		_, span := s.tracer.Start(r.Context(), "registerValidator", trace.WithAttributes(attribute.Int("numValidators", len(p))))
		defer span.End()

		res := s.registrations.Register(p)
		span.SetAttributes(attribute.Int("accepted", res.Accepted), attribute.Int("rejected", len(res.Rejected)))

		log.Info("registered validators", "processed", len(p), "accepted", res.Accepted, "unchanged", res.Unchanged, "rejected", len(res.Rejected))
		httpJSONResponse(w, http.StatusOK, res)
	}
}

// @Tags Proposer
// @Summary Header
// @Description Get header response
// @Accept json
// @Produce json
// @Param slot path string true "Slot"
// @Param parentHash path string true "Parent hash"
// @Param pubKey path string true "Pubkey"
// @Success 200 {object} builderspec.VersionedSignedBuilderBid
// @Success 204
// @Failure 400 {object} JSONError
// @Router /eth/v1/builder/header/{slot}/{parentHash}/{pubKey} [get]
func (s *relay) builderHeaderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receivedAt := requestReceivedAt(r, s.clock.Now().UTC())
		log := logger.WithValues(
			"method", "getHeader",
			"userAgent", r.UserAgent(),
			"path", r.URL.Path,
			"receivedAt", receivedAt,
		)

		_, span := s.tracer.Start(r.Context(), "getHeader", trace.WithAttributes(attribute.String("pth", r.URL.Path)))
		defer span.End()

		key, err := auctionKeyFromParams(httprouter.ParamsFromContext(r.Context()))
		if err != nil {
			log.Info("invalid path", "error", err)
			headerRequestsTotal.WithLabelValues("bad_request").Inc()
			httpJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log = log.WithValues("slot", key.Slot, "parentHash", key.ParentHash, "pubkey", key.ProposerPubkey)

		header, bid, err := s.exchange.GetHeader(key)
		if err != nil {
			if errors.Is(err, ErrNoBid) || errors.Is(err, ErrAuctionRevealed) || errors.Is(err, ErrAuctionExpired) {
				log.Info("no bid to offer", "reason", err.Error())
				headerRequestsTotal.WithLabelValues("no_bid").Inc()
				w.WriteHeader(http.StatusNoContent)
				return
			}
			log.Error(err, "failed to get header")
			headerRequestsTotal.WithLabelValues("error").Inc()
			httpJSONError(w, http.StatusInternalServerError, "failed to get header")
			return
		}

		span.SetAttributes(attribute.String("blockHash", bid.BlockHash.String()), attribute.String("value", weiString(bid.Value)))
		headerRequestsTotal.WithLabelValues("ok").Inc()
		log.Info("serving bid", "value", weiString(bid.Value), "blockHash", bid.BlockHash, "builderPubkey", bid.BuilderPubkey)
		httpJSONResponse(w, http.StatusOK, header)
	}
}

// @Tags Proposer
// @Summary Unblind block
// @Description Unblind block
// @Accept json
// @Produce json
// @Param body body apicapella.SignedBlindedBeaconBlock true "Signed blinded beacon block"
// @Success 200 {object} builderapi.VersionedExecutionPayload
// @Failure 400 {object} JSONError
// @Failure 404 {object} JSONError
// @Failure 410 {object} JSONError
// @Failure 503 {object} JSONError
// @Router /eth/v1/builder/blinded_blocks [post]
func (s *relay) unblindBlindedBlockHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receivedAt := requestReceivedAt(r, s.clock.Now().UTC())
		log := logger.WithValues(
			"method", "getPayload",
			"userAgent", r.UserAgent(),
			"receivedAt", receivedAt,
		)

		block := new(SignedBlindedBeaconBlock)
		if err := json.NewDecoder(r.Body).Decode(block); err != nil {
			log.Error(err, "failed to decode blinded block")
			payloadRequestsTotal.WithLabelValues(ReasonInvalidPayload).Inc()
			httpJSONReasonError(w, http.StatusBadRequest, newValidationError(ReasonInvalidPayload, err))
			return
		}
		defer r.Body.Close() // nolint:errcheck

		if block.IsEmpty() {
			payloadRequestsTotal.WithLabelValues(ReasonInvalidPayload).Inc()
			httpJSONReasonError(w, http.StatusBadRequest, newValidationError(ReasonInvalidPayload, ErrPayloadNil))
			return
		}

		ctx, span := s.tracer.Start(r.Context(), "getPayload", trace.WithAttributes(attribute.Int64("slot", int64(block.Slot())), attribute.String("blockHash", block.BlockHash().String())))
		defer span.End()

		log = log.WithValues(
			"slot", block.Slot(),
			"blockHash", block.BlockHash(),
			"proposerIndex", block.ProposerIndex(),
		)

		payload, bid, err := s.exchange.GetPayload(ctx, block)
		if err != nil {
			code := getPayloadStatus(err)
			payloadRequestsTotal.WithLabelValues(ReasonOf(err)).Inc()
			if code >= http.StatusInternalServerError {
				log.Error(err, "failed to unblind block")
			} else {
				log.Info("refused to unblind block", "reason", ReasonOf(err), "error", err.Error())
			}
			httpJSONReasonError(w, code, err)
			return
		}

		payloadRequestsTotal.WithLabelValues("ok").Inc()
		log.Info("payload revealed", "value", weiString(bid.Value), "builderPubkey", bid.BuilderPubkey, "numTx", payload.NumTx(), "timeTaken", s.clock.Since(receivedAt))
		httpJSONResponse(w, http.StatusOK, payload)
	}
}

// @Tags Builder
// @Summary Validators scheduled to propose current and next epoch
// @Accept json
// @Produce json
// @Success 200 {object} []BuilderGetValidatorsResponseEntry
// @Router /relay/v1/builder/validators [get]
func (s *relay) perEpochValidatorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		duties := s.duties.All()
		res := make([]BuilderGetValidatorsResponseEntry, 0, len(duties))
		for _, d := range duties {
			reg, ok := s.registrations.Lookup(d.Pubkey)
			if !ok {
				continue
			}
			entry := reg
			res = append(res, BuilderGetValidatorsResponseEntry{
				BuilderGetValidatorsResponseEntry: types.BuilderGetValidatorsResponseEntry{
					Slot:  d.Slot,
					Entry: &entry,
				},
				ValidatorIndex: d.ValidatorIndex,
			})
		}
		httpJSONResponse(w, http.StatusOK, res)
	}
}

// @Tags Builder
// @Summary Submit new block
// @Accept json
// @Produce json
// @Param body body buildercapella.SubmitBlockRequest true "BuilderSubmitBlockRequest"
// @Success 200 {object} SubmitBlockResponse
// @Failure 400 {object} JSONError
// @Failure 410 {object} JSONError
// @Failure 429 {object} JSONError
// @Failure 503 {object} JSONError
// @Router /relay/v1/builder/blocks [post]
func (s *relay) submitNewBlockHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receivedAt := requestReceivedAt(r, s.clock.Now().UTC())
		log := logger.WithValues(
			"method", "submitNewBlock",
			"userAgent", r.UserAgent(),
			"receivedAt", receivedAt,
		)

		req := new(BuilderSubmitBlockRequest)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			log.Error(err, "failed to decode payload")
			submissionsTotal.WithLabelValues(ReasonInvalidPayload).Inc()
			httpJSONReasonError(w, http.StatusBadRequest, newValidationError(ReasonInvalidPayload, err))
			return
		}
		defer r.Body.Close() // nolint:errcheck

		if req.IsEmpty() {
			log.Info("payload incomplete, missing message or execution payload")
			submissionsTotal.WithLabelValues(ReasonInvalidPayload).Inc()
			httpJSONReasonError(w, http.StatusBadRequest, newValidationError(ReasonInvalidPayload, ErrPayloadNil))
			return
		}

		bidTrace := req.BidTrace()

		ctx, span := s.tracer.Start(
			r.Context(),
			"submitNewBlock",
			trace.WithAttributes(
				attribute.Int64("slot", int64(bidTrace.Slot)),
				attribute.String("blockHash", bidTrace.BlockHash.String()),
				attribute.String("builderPubkey", bidTrace.BuilderPubkey.String()),
				attribute.String("proposerPubkey", bidTrace.ProposerPubkey.String()),
				attribute.String("parentHash", bidTrace.ParentHash.String()),
			),
		)
		defer span.End()

		log = log.WithValues(
			"slot", bidTrace.Slot,
			"builderPubkey", bidTrace.BuilderPubkey,
			"blockHash", bidTrace.BlockHash,
			"value", weiString(bidTrace.Value),
		)

		rlKey := fmt.Sprintf("%s_%d", bidTrace.BuilderPubkey.String(), bidTrace.Slot)
		rlCtx, cancel := context.WithTimeout(ctx, rateLimitWait)
		err := s.limiter.Wait(rlCtx, rlKey)
		cancel()
		if err != nil {
			log.Info("rate limit exceeded")
			submissionsTotal.WithLabelValues("rate_limited").Inc()
			httpJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		defer s.limiter.Release(rlKey)

		sub, err := s.validator.Validate(ctx, req, receivedAt)
		if err == nil {
			_, err = s.ledger.Accept(sub)
		}
		if err != nil {
			s.rejectSubmission(w, log, req, err)
			return
		}

		if s.topBids != nil {
			s.topBids.Publish(newTopBidUpdate(sub))
		}
		if err := s.evtSender.SendBidAcceptedEvent(
			sub.Key.Slot,
			sub.Bid.BuilderPubkey.String(),
			common.Hash(sub.Bid.BlockHash),
			sub.Bid.Value.ToBig(),
		); err != nil {
			log.Error(err, "failed to send bid accepted event to event bus")
		}

		submissionsTotal.WithLabelValues("accepted").Inc()
		log.Info("accepted new best bid", "numTx", sub.NumTx(), "timeTaken", s.clock.Since(receivedAt))
		httpJSONResponse(w, http.StatusOK, SubmitBlockResponse{Value: weiString(sub.Bid.Value)})
	}
}

func (s *relay) rejectSubmission(w http.ResponseWriter, log logger.Logger, req *BuilderSubmitBlockRequest, err error) {
	reason := ReasonOf(err)
	code := submitStatus(err)
	submissionsTotal.WithLabelValues(reason).Inc()

	var raceLost *RaceLostError
	switch {
	case errors.As(err, &raceLost):
		log.Info("submission lost the race", "reason", reason)
	case code >= http.StatusInternalServerError:
		log.Error(err, "failed to process submission", "reason", reason)
	default:
		log.Info("submission rejected", "reason", reason, "error", err.Error())
	}

	bidTrace := req.BidTrace()
	if evtErr := s.evtSender.SendSubmissionRejectedEvent(
		bidTrace.Slot,
		bidTrace.BuilderPubkey.String(),
		common.Hash(bidTrace.BlockHash),
		uint256ToBig(bidTrace.Value),
		reason,
		err,
	); evtErr != nil {
		log.Error(evtErr, "failed to send submission rejected event to event bus")
	}

	httpJSONReasonError(w, code, err)
}

// @Tags Data
// @Summary Proposer payload delivered
// @Description Payloads revealed for the auctions still held in memory
// @Accept  json
// @Produce  json
// @Param slot query string false "slot"
// @Param cursor query string false "highest slot to return"
// @Param limit query string false "limit"
// @Param block_hash query string false "block_hash"
// @Param block_number query string false "block_number"
// @Param proposer_pubkey query string false "proposer_pubkey"
// @Param builder_pubkey query string false "builder_pubkey"
// @Param order_by query string false "value or -value"
// @Success 200 {object} []BidTrace
// @Failure 400 {object} JSONError
// @Router /relay/v1/data/bidtraces/proposer_payload_delivered [get]
func (s *relay) deliveredPayloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := s.tracer.Start(r.Context(), "proposerPayloadDelivered", trace.WithAttributes(attribute.String("query", r.URL.RawQuery)))
		defer span.End()

		log := logger.WithValues(
			"method", "proposerPayloadDelivered",
			"userAgent", r.UserAgent(),
			"query", r.URL.RawQuery,
		)

		q, err := parseDataQuery(r)
		if err != nil {
			log.Info("invalid query", "error", err)
			httpJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		matched := make([]DeliveredPayload, 0)
		for _, d := range s.ledger.Delivered() {
			if q.matches(&d.BidTrace) {
				matched = append(matched, d)
			}
		}
		sortByValue(q, matched, func(d DeliveredPayload) types.U256Str { return d.Value })

		res := make([]BidTrace, 0, len(matched))
		for _, d := range matched {
			if uint64(len(res)) >= q.limit {
				break
			}
			res = append(res, d.BidTrace)
		}

		log.Debug("get payload delivered", "count", len(res))
		httpJSONResponse(w, http.StatusOK, res)
	}
}

// @Tags Data
// @Summary Builder blocks received
// @Description Accepted bids of the auctions still held in memory
// @Accept  json
// @Produce  json
// @Param slot query string false "slot"
// @Param block_hash query string false "block_hash"
// @Param block_number query string false "block_number"
// @Param builder_pubkey query string false "builder_pubkey"
// @Param limit query string false "limit"
// @Success 200 {object} []BidTraceReceived
// @Failure 400 {object} JSONError
// @Router /relay/v1/data/bidtraces/builder_blocks_received [get]
func (s *relay) submissionPayloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := s.tracer.Start(r.Context(), "builderBlocksReceived", trace.WithAttributes(attribute.String("query", r.URL.RawQuery)))
		defer span.End()

		log := logger.WithValues(
			"method", "builderBlocksReceived",
			"userAgent", r.UserAgent(),
			"query", r.URL.RawQuery,
		)

		q, err := parseDataQuery(r)
		if err != nil {
			log.Info("invalid query", "error", err)
			httpJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		res := make([]BidTraceReceived, 0)
		for _, t := range s.ledger.Received(q.slot) {
			if q.matches(&t.BidTrace) {
				res = append(res, t)
			}
		}
		sortByValue(q, res, func(t BidTraceReceived) types.U256Str { return t.Value })
		if uint64(len(res)) > q.limit {
			res = res[:q.limit]
		}

		log.Debug("get builder blocks", "count", len(res))
		httpJSONResponse(w, http.StatusOK, res)
	}
}

// @Tags Data
// @Summary Registered validator
// @Description Registered validator
// @Accept  json
// @Produce  json
// @Param pubkey query string true "pubkey"
// @Success 200 {object} types.SignedValidatorRegistration
// @Failure 400 {object} JSONError
// @Router /relay/v1/data/validator_registration [get]
func (s *relay) registeredValidatorHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := s.tracer.Start(r.Context(), "getRegisteredValidator", trace.WithAttributes(attribute.String("query", r.URL.RawQuery)))
		defer span.End()

		log := logger.WithValues(
			"method", "getRegisteredValidator",
			"userAgent", r.UserAgent(),
			"query", r.URL.RawQuery,
		)

		pubKeyStr := r.URL.Query().Get("pubkey")
		if pubKeyStr == "" {
			httpJSONError(w, http.StatusBadRequest, "pubkey is required")
			return
		}

		var pubKey types.PublicKey
		if err := pubKey.UnmarshalText([]byte(pubKeyStr)); err != nil {
			log.Info("invalid pubkey", "error", err)
			httpJSONError(w, http.StatusBadRequest, "invalid pubkey")
			return
		}

		reg, ok := s.registrations.Lookup(pubKey)
		if !ok {
			httpJSONError(w, http.StatusBadRequest, "validator not registered")
			return
		}
		httpJSONResponse(w, http.StatusOK, reg)
	}
}

func auctionKeyFromParams(params httprouter.Params) (AuctionKey, error) {
	slotStr := params.ByName("slot")
	parentHashStr := params.ByName("parentHash")
	pubKeyStr := params.ByName("pubKey")

	if slotStr == "" || parentHashStr == "" || pubKeyStr == "" {
		return AuctionKey{}, errors.New("invalid path")
	}
	if !ethV1BuilderSlotRgx.MatchString(slotStr) || !ethV1BuilderHashRgx.MatchString(parentHashStr) || !ethV1BuilderHashRgx.MatchString(pubKeyStr) {
		return AuctionKey{}, errors.New("invalid path format")
	}

	slot, err := strconv.ParseUint(slotStr, 10, 64)
	if err != nil {
		return AuctionKey{}, errors.New("invalid slot")
	}

	var parentHash types.Hash
	if err := parentHash.UnmarshalText([]byte(strings.ToLower(parentHashStr))); err != nil || len(parentHashStr) != 66 {
		return AuctionKey{}, errors.New("invalid parent hash")
	}

	var pubkey types.PublicKey
	if err := pubkey.UnmarshalText([]byte(strings.ToLower(pubKeyStr))); err != nil || len(pubKeyStr) != 98 {
		return AuctionKey{}, errors.New("invalid pubkey")
	}

	return AuctionKey{Slot: slot, ParentHash: parentHash, ProposerPubkey: pubkey}, nil
}

type orderBy int

const (
	orderNone orderBy = iota
	orderValueAsc
	orderValueDesc
)

// dataQuery holds the filters of the bid trace data endpoints. Unset
// filters match everything.
type dataQuery struct {
	slot           uint64
	cursor         uint64
	limit          uint64
	blockHash      *types.Hash
	blockNumber    *uint64
	proposerPubkey *types.PublicKey
	builderPubkey  *types.PublicKey
	orderBy        orderBy
}

func parseDataQuery(r *http.Request) (*dataQuery, error) {
	var (
		q   = dataQuery{limit: defaultDataLimit}
		qs  = r.URL.Query()
		err error
	)

	if slotStr := qs.Get("slot"); slotStr != "" {
		if q.slot, err = strconv.ParseUint(slotStr, 10, 64); err != nil {
			return nil, errors.New("invalid slot")
		}
	}
	if cursorStr := qs.Get("cursor"); cursorStr != "" {
		if q.cursor, err = strconv.ParseUint(cursorStr, 10, 64); err != nil {
			return nil, errors.New("invalid cursor")
		}
		if q.slot != 0 {
			return nil, errors.New("cannot specify both slot and cursor")
		}
	}
	if limitStr := qs.Get("limit"); limitStr != "" {
		if q.limit, err = strconv.ParseUint(limitStr, 10, 64); err != nil || q.limit == 0 {
			return nil, errors.New("invalid limit")
		}
		if q.limit > defaultDataLimit {
			q.limit = defaultDataLimit
		}
	}
	if blockHashStr := qs.Get("block_hash"); blockHashStr != "" {
		q.blockHash = new(types.Hash)
		if err := q.blockHash.UnmarshalText([]byte(blockHashStr)); err != nil {
			return nil, errors.New("invalid block hash")
		}
	}
	if blockNumberStr := qs.Get("block_number"); blockNumberStr != "" {
		n, err := strconv.ParseUint(blockNumberStr, 10, 64)
		if err != nil {
			return nil, errors.New("invalid block number")
		}
		q.blockNumber = &n
	}
	if pkStr := qs.Get("proposer_pubkey"); pkStr != "" {
		q.proposerPubkey = new(types.PublicKey)
		if err := q.proposerPubkey.UnmarshalText([]byte(pkStr)); err != nil {
			return nil, errors.New("invalid proposer pubkey")
		}
	}
	if pkStr := qs.Get("builder_pubkey"); pkStr != "" {
		q.builderPubkey = new(types.PublicKey)
		if err := q.builderPubkey.UnmarshalText([]byte(pkStr)); err != nil {
			return nil, errors.New("invalid builder pubkey")
		}
	}
	switch qs.Get("order_by") {
	case "":
	case "value":
		q.orderBy = orderValueAsc
	case "-value":
		q.orderBy = orderValueDesc
	default:
		return nil, errors.New("invalid order_by, expected value or -value")
	}

	return &q, nil
}

func (q *dataQuery) matches(t *BidTrace) bool {
	switch {
	case q.slot != 0 && t.Slot != q.slot:
		return false
	case q.cursor != 0 && t.Slot > q.cursor:
		return false
	case q.blockHash != nil && t.BlockHash != *q.blockHash:
		return false
	case q.blockNumber != nil && t.BlockNumber != *q.blockNumber:
		return false
	case q.proposerPubkey != nil && t.ProposerPubkey != *q.proposerPubkey:
		return false
	case q.builderPubkey != nil && t.BuilderPubkey != *q.builderPubkey:
		return false
	}
	return true
}

// sortByValue orders traces by value when the query asks for it, keeping
// the incoming order between equal values.
func sortByValue[T any](q *dataQuery, traces []T, value func(t T) types.U256Str) {
	if q.orderBy == orderNone {
		return
	}
	slices.SortStableFunc(traces, func(a, b T) bool {
		va, vb := value(a), value(b)
		if q.orderBy == orderValueDesc {
			return va.Cmp(&vb) > 0
		}
		return va.Cmp(&vb) < 0
	})
}

// submitStatus maps a rejected submission to its HTTP status.
func submitStatus(err error) int {
	var (
		validation   *ValidationError
		raceLost     *RaceLostError
		collaborator *CollaboratorUnavailableError
	)
	switch {
	case errors.As(err, &collaborator):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrAuctionRevealed), errors.Is(err, ErrAuctionExpired):
		return http.StatusGone
	case errors.As(err, &raceLost), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// getPayloadStatus maps a refused reveal to its HTTP status.
func getPayloadStatus(err error) int {
	var (
		validation   *ValidationError
		stale        *StaleCommitmentError
		collaborator *CollaboratorUnavailableError
	)
	switch {
	case errors.As(err, &collaborator):
		return http.StatusServiceUnavailable
	case errors.As(err, &stale), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownAuction):
		return http.StatusNotFound
	case errors.Is(err, ErrAuctionRevealed), errors.Is(err, ErrAuctionExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
