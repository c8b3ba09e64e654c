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
	"archive/tar"
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/julienschmidt/httprouter"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type API interface {
	HTTPServer(addr string) *http.Server
}

type AdminStore interface {
	LatestSlotStats() (uint64, error)
	AllBlockBuilders() ([]BlockBuilder, error)
	SetBlockBuilderStatus(pubKey types.PublicKey, highPriority, blocked bool) error
	SetBlockBuilderDescription(pubKey types.PublicKey, description string) error
	Backup(tw *tar.Writer) error
}

type api struct {
	store         AdminStore
	ledger        *BidLedger
	registrations RegistrationGetter
	duties        DutyGetter
	network       string
	clock         clock.Clock
	tracer        trace.Tracer
}

func NewAPI(store AdminStore, ledger *BidLedger, registrations RegistrationGetter, duties DutyGetter, network string, clk clock.Clock, tracer trace.Tracer) *api {
	return &api{
		store:         store,
		ledger:        ledger,
		registrations: registrations,
		duties:        duties,
		network:       network,
		clock:         clk,
		tracer:        tracer,
	}
}

func (a *api) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: a.routes(),
	}
}

func (a *api) routes() *httprouter.Router {
	mux := httprouter.New()
	p := message.NewPrinter(language.English)

	mux.HandlerFunc(http.MethodGet, "/stats", wrapper(a.clock, a.statsHandler(p)))
	mux.HandlerFunc(http.MethodGet, "/builders", wrapper(a.clock, a.buildersHandler()))
	mux.HandlerFunc(http.MethodGet, "/backup", a.backupHandler())
	mux.HandlerFunc(http.MethodPost, "/internal/v1/builder/:pubkey", wrapper(a.clock, a.internalBuilderHandler()))

	mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return mux
}

type statsResponse struct {
	RegisteredValidators string            `json:"registered_validators"`
	InFlightAuctions     string            `json:"in_flight_auctions"`
	LatestSlot           string            `json:"latest_slot"`
	DutiesEpoch          string            `json:"duties_epoch"`
	Network              string            `json:"network"`
	DeliveredPayload     []prettyDelivered `json:"delivered_payload"`
}

func (a *api) statsHandler(prt *message.Printer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, span := a.tracer.Start(r.Context(), "statsHandler")
		defer span.End()

		log := logger.WithValues("service", "adminAPI", "method", "statsHandler")

		latestSlot, err := a.store.LatestSlotStats()
		if err != nil {
			log.Error(err, "failed getting latest slot")
			http.Error(w, "failed getting latest slot", http.StatusInternalServerError)
			return
		}

		stats := statsResponse{
			RegisteredValidators: prt.Sprintf("%d", a.registrations.Len()),
			InFlightAuctions:     prt.Sprintf("%d", a.ledger.Len()),
			LatestSlot:           prt.Sprintf("%d", latestSlot),
			DutiesEpoch:          prt.Sprintf("%d", a.duties.Epoch()),
			Network:              a.network,
			DeliveredPayload:     prettifyDelivered(a.ledger.Delivered(), prt),
		}
		httpJSONResponse(w, http.StatusOK, stats)
	}
}

type buildersResponse struct {
	Builders    []prettyBuilder `json:"builders"`
	NumBuilders uint64          `json:"num_builders"`
	NumBlocked  uint64          `json:"num_blocked"`
}

func (a *api) buildersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithValues("service", "adminAPI", "method", "buildersHandler")

		builders, err := a.store.AllBlockBuilders()
		if err != nil {
			log.Error(err, "failed getting builders")
			http.Error(w, "failed getting builders", http.StatusInternalServerError)
			return
		}

		res := buildersResponse{
			Builders:    prettifyBuilders(builders),
			NumBuilders: uint64(len(builders)),
		}
		for _, b := range builders {
			if b.Blocked {
				res.NumBlocked++
			}
		}

		httpJSONResponse(w, http.StatusOK, res)
	}
}

// backupHandler is not wrapped: the tar stream goes out uncompressed and
// the backup command gzips it on the way to the bucket.
func (a *api) backupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithValues("service", "adminAPI", "method", "backupHandler")

		w.Header().Set("Content-Type", "application/x-tar")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=backup_%d.tar", a.clock.Now().Unix()))

		bw := bufio.NewWriter(w)
		defer bw.Flush() // nolint:errcheck

		tw := tar.NewWriter(bw)
		defer tw.Close() // nolint:errcheck

		log.Info("creating backup")
		if err := a.store.Backup(tw); err != nil {
			log.Error(err, "failed backing up db")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("successfully backed up db")
	}
}

type blockBuilderReqBody struct {
	HighPriority bool    `json:"high_priority"`
	Blocked      bool    `json:"blocked"`
	Description  *string `json:"description,omitempty"`
}

type blockBuilderStatus struct {
	NewStatus string `json:"new_status"`
}

func (a *api) internalBuilderHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithValues(
			"method", "internalBuilderHandler",
			"httpMethod", r.Method,
			"userAgent", r.UserAgent(),
		)

		params := httprouter.ParamsFromContext(r.Context())
		pubKeyStr := params.ByName("pubkey")
		if pubKeyStr == "" {
			log.Error(errors.New("invalid pubkey"), "pubkey is empty")
			http.Error(w, "pubkey is a required field", http.StatusBadRequest)
			return
		}

		var pubKey types.PublicKey
		if err := pubKey.UnmarshalText([]byte(pubKeyStr)); err != nil {
			log.Error(err, "invalid pubkey")
			http.Error(w, "invalid pubkey", http.StatusBadRequest)
			return
		}

		var payload blockBuilderReqBody
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			log.Error(err, "failed to decode request body")
			http.Error(w, "failed to decode request body", http.StatusBadRequest)
			return
		}

		if err := a.store.SetBlockBuilderStatus(pubKey, payload.HighPriority, payload.Blocked); err != nil {
			log.Error(err, "failed to set builder", "pubkey", pubKeyStr, "highPriority", payload.HighPriority, "blocked", payload.Blocked)
			http.Error(w, "failed to set builder", http.StatusInternalServerError)
			return
		}
		if payload.Description != nil {
			if err := a.store.SetBlockBuilderDescription(pubKey, *payload.Description); err != nil {
				log.Error(err, "failed to set builder description", "pubkey", pubKeyStr)
				http.Error(w, "failed to set builder description", http.StatusInternalServerError)
				return
			}
		}

		log.Info("set builder", "pubkey", pubKeyStr, "highPriority", payload.HighPriority, "blocked", payload.Blocked)
		httpJSONResponse(w, http.StatusOK, blockBuilderStatus{
			NewStatus: getBlockBuilderStatus(payload.HighPriority, payload.Blocked),
		})
	}
}

func getBlockBuilderStatus(highPriority, blocked bool) string {
	switch {
	case blocked:
		return "blocked"
	case highPriority:
		return "high-priority"
	default:
		return "low-priority"
	}
}

type prettyDelivered struct {
	BlockNumber uint64     `json:"block_number,string"`
	NumTx       string     `json:"num_tx"`
	BlockHash   types.Hash `json:"block_hash"`
	Slot        uint64     `json:"slot,string"`
	Epoch       uint64     `json:"epoch,string"`
	Value       string     `json:"value"`
	Timestamp   string     `json:"timestamp"`
}

func prettifyDelivered(delivered []DeliveredPayload, prt *message.Printer) []prettyDelivered {
	pretty := make([]prettyDelivered, 0, len(delivered))
	for _, d := range delivered {
		pretty = append(pretty, prettyDelivered{
			BlockNumber: d.BlockNumber,
			NumTx:       prt.Sprintf("%d", d.NumTx),
			BlockHash:   d.BlockHash,
			Slot:        d.Slot,
			Epoch:       d.Slot / SlotsPerEpoch,
			Value:       prt.Sprintf("%.6f", toEth(d.Value.BigInt())),
			Timestamp:   d.Timestamp.Format(time.RFC1123),
		})
	}
	return pretty
}

type prettyBuilder struct {
	BlockBuilder
	CreatedAtStr    string `json:"created_at_str"`
	UpdatedAtStr    string `json:"updated_at_str"`
	HighPriorityStr string `json:"high_priority_str"`
	BlockedStr      string `json:"blocked_str"`
	ShowDescription bool   `json:"show_description"`
}

func prettifyBuilders(b []BlockBuilder) []prettyBuilder {
	pretty := make([]prettyBuilder, 0, len(b))
	for _, builder := range b {
		p := prettyBuilder{
			BlockBuilder:    builder,
			CreatedAtStr:    builder.CreatedAt.Format(time.RFC1123),
			UpdatedAtStr:    builder.UpdatedAt.Format(time.RFC1123),
			HighPriorityStr: yesNo(builder.HighPriority),
			BlockedStr:      yesNo(builder.Blocked),
			ShowDescription: builder.Description != "",
		}
		pretty = append(pretty, p)
	}
	return pretty
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
