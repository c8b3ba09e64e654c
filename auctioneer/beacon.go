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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	consensuscapella "github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/r3labs/sse/v2"
	"go.uber.org/atomic"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	syncTimeoutSec = 5
)

// Swagger Docs: https://ethereum.github.io/beacon-APIs/#/Beacon
type MultiBeacon interface {
	Genesis(ctx context.Context) (*GenesisInfo, error)
	BestSyncingNode(ctx context.Context) (*SyncNodeResponse, error)
	ProposerDuties(ctx context.Context, epoch uint64) (*ProposerDutiesResponse, error)
	SubscribeToPayloadAttributesEvents(ctx context.Context, payload chan PayloadAttributesEvent)
	PublishBlock(ctx context.Context, block *SignedBeaconBlock) error
}

type multiBeacon struct {
	beacons         []beacon
	bestBeaconIndex atomic.Int64
	log             logger.Logger
}

type beacon struct {
	uri              string
	safeURI          string
	client           *http.Client
	syncStatusClient *http.Client
	log              logger.Logger
}

func NewMultiBeacon(beaconURIs []string, timeout time.Duration) *multiBeacon {
	beacons := make([]beacon, 0, len(beaconURIs))
	for _, uri := range beaconURIs {
		beacons = append(beacons, *newBeacon(uri, timeout))
	}

	return &multiBeacon{
		beacons:         beacons,
		bestBeaconIndex: *atomic.NewInt64(0),
		log:             logger.WithValues("module", "multiBeacon"),
	}
}

// beaconsByLastResponse puts the node that answered last in front.
func (mb *multiBeacon) beaconsByLastResponse() []beacon {
	indx := mb.bestBeaconIndex.Load()
	if indx == 0 || int(indx) >= len(mb.beacons) {
		return mb.beacons
	}
	beacons := make([]beacon, len(mb.beacons))
	copy(beacons, mb.beacons)
	beacons[0], beacons[indx] = beacons[indx], beacons[0]
	return beacons
}

func (mb *multiBeacon) markBest(b beacon) {
	for i := range mb.beacons {
		if mb.beacons[i].uri == b.uri {
			mb.bestBeaconIndex.Store(int64(i))
			return
		}
	}
}

func (mb *multiBeacon) Genesis(ctx context.Context) (*GenesisInfo, error) {
	var (
		err error
		res *GenesisInfo
	)
	for _, b := range mb.beaconsByLastResponse() {
		res, err = b.Genesis(ctx)
		if err != nil {
			mb.log.Error(err, "error getting genesis", "uri", b.safeURI)
			continue
		}

		mb.markBest(b)
		return res, nil
	}
	if err == nil {
		err = ErrNoBeaconSynced
	}
	return nil, err
}

func (mb *multiBeacon) BestSyncingNode(ctx context.Context) (*SyncNodeResponse, error) {
	var bestSync *SyncNodeResponse
	for _, b := range mb.beaconsByLastResponse() {
		resp, err := b.SyncStatus(ctx)
		if err != nil {
			mb.log.Error(err, "error getting sync status", "uri", b.safeURI)
			continue
		}

		if resp.Data.IsSyncing {
			continue
		}

		if bestSync == nil || bestSync.Data.HeadSlot < resp.Data.HeadSlot {
			bestSync = resp
		}

		if resp.Data.SyncDistance <= 6 {
			break
		}
	}

	if bestSync == nil {
		return nil, ErrNoBeaconSynced
	}

	return bestSync, nil
}

func (mb *multiBeacon) ProposerDuties(ctx context.Context, epoch uint64) (*ProposerDutiesResponse, error) {
	for _, b := range mb.beaconsByLastResponse() {
		duties, err := b.ProposerDuties(ctx, epoch)
		if err != nil {
			mb.log.Error(err, "error getting proposer duties", "uri", b.safeURI, "epoch", epoch)
			continue
		}
		mb.markBest(b)
		return duties, nil
	}
	return nil, ErrAllBeaconsFailedGetProposerDuties
}

// CurrentDuties adapts the beacon duties response for the duty tracker.
func (mb *multiBeacon) CurrentDuties(ctx context.Context, epoch uint64) ([]DutyRecord, error) {
	resp, err := mb.ProposerDuties(ctx, epoch)
	if err != nil {
		return nil, err
	}

	duties := make([]DutyRecord, 0, len(resp.Data))
	for _, d := range resp.Data {
		var pk types.PublicKey
		if err := pk.UnmarshalText([]byte(d.Pubkey)); err != nil {
			return nil, fmt.Errorf("invalid duty pubkey %q: %w", d.Pubkey, err)
		}
		duties = append(duties, DutyRecord{Slot: d.Slot, Pubkey: pk, ValidatorIndex: d.ValidatorIndex})
	}
	return duties, nil
}

// SubscribeToPayloadAttributesEvents fans the events of every node into
// payload until ctx is done.
func (mb *multiBeacon) SubscribeToPayloadAttributesEvents(ctx context.Context, payload chan PayloadAttributesEvent) {
	for _, b := range mb.beacons {
		go b.SubscribeToPayloadAttributesEvents(ctx, payload)
	}
}

func (mb *multiBeacon) PublishBlock(ctx context.Context, block *SignedBeaconBlock) error {
	beacons := mb.beaconsByLastResponse()
	type result struct {
		b   beacon
		err error
	}
	results := make(chan result, len(beacons))
	for _, b := range beacons {
		go func(_b beacon) {
			mb.log.Info("publishing block", "uri", _b.safeURI, "slot", block.Slot())
			err := _b.PublishBlock(ctx, block)
			if err != nil {
				mb.log.Error(err, "error publishing block", "uri", _b.safeURI)
			}
			results <- result{b: _b, err: err}
		}(b)
	}

	for i := 0; i < len(beacons); i++ {
		if r := <-results; r.err == nil {
			mb.markBest(r.b)
			mb.log.Info("block published", "slot", block.Slot())
			return nil
		}
	}

	mb.log.Info("all beacons failed to publish block", "slot", block.Slot())
	return ErrAllBeaconsFailedPublishBlock
}

func newBeacon(uri string, timeout time.Duration) *beacon {
	return &beacon{
		uri:     uri,
		safeURI: hideCredentialsFromURL(uri),
		client: &http.Client{
			Timeout: timeout,
		},
		syncStatusClient: &http.Client{
			Timeout: time.Duration(syncTimeoutSec) * time.Second,
		},
		log: logger.WithValues("module", "beacon"),
	}
}

func (b *beacon) join(pth string) string {
	uri, err := url.JoinPath(b.uri, pth)
	if err != nil {
		b.log.Error(err, "error joining path", "uri", b.safeURI, "path", pth)
		return fmt.Sprintf("%s%s", b.uri, pth)
	}

	un, err := url.PathUnescape(uri)
	if err != nil {
		b.log.Error(err, "error unescaping path", "uri", b.safeURI, "path", pth)
		return fmt.Sprintf("%s%s", b.uri, pth)
	}
	return un
}

func (b *beacon) Genesis(ctx context.Context) (*GenesisInfo, error) {
	resp := new(GenesisResponse)
	if _, err := sendHTTP(ctx, b.client, b.join("/eth/v1/beacon/genesis"), http.MethodGet, nil, resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (b *beacon) SyncStatus(ctx context.Context) (*SyncNodeResponse, error) {
	resp := new(SyncNodeResponse)
	if _, err := sendHTTP(ctx, b.syncStatusClient, b.join("/eth/v1/node/syncing"), http.MethodGet, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *beacon) ProposerDuties(ctx context.Context, epoch uint64) (*ProposerDutiesResponse, error) {
	resp := new(ProposerDutiesResponse)
	if _, err := sendHTTP(ctx, b.client, b.join(fmt.Sprintf("/eth/v1/validator/duties/proposer/%d", epoch)), http.MethodGet, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *beacon) SubscribeToPayloadAttributesEvents(ctx context.Context, payload chan PayloadAttributesEvent) {
	url := b.join("/eth/v1/events?topics=payload_attributes")

	client := sse.NewClient(url)
	client.ReconnectStrategy = &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          1.5,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}

	client.ReconnectNotify = func(err error, d time.Duration) {
		b.log.Error(err, "reconnecting payloads attributes events SSE", "backoff", d.Seconds(), "uri", b.safeURI)
	}

	if err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		var p PayloadAttributesEvent
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			b.log.Error(err, "error unmarshalling payload attributes event")
			return
		}
		b.log.Debug("new payload attributes event", "proposalSlot", p.Data.ProposalSlot, "uri", b.safeURI)
		select {
		case payload <- p:
		case <-ctx.Done():
		}
	}); err != nil && ctx.Err() == nil {
		b.log.Error(err, "error subscribing to payload attributes events", "uri", b.safeURI)
	}
}

func (b *beacon) PublishBlock(ctx context.Context, block *SignedBeaconBlock) error {
	code, err := sendHTTP(ctx, b.client, b.join("/eth/v1/beacon/blocks"), http.MethodPost, block, nil)
	if err != nil {
		return err
	}

	if code == http.StatusAccepted {
		return ErrBlockBroadcastedButFailedIntegration
	}

	return nil
}

type GenesisResponse struct {
	Data GenesisInfo `json:"data"`
}

type GenesisInfo struct {
	GenesisTime           uint64 `json:"genesis_time,string"`
	GenesisValidatorsRoot string `json:"genesis_validators_root"`
	GenesisForkVersion    string `json:"genesis_fork_version"`
}

type SyncNodeResponse struct {
	Data SyncNode `json:"data"`
}

type SyncNode struct {
	HeadSlot     uint64 `json:"head_slot,string"`
	IsSyncing    bool   `json:"is_syncing"`
	SyncDistance uint64 `json:"sync_distance,string"`
	IsOptimistic bool   `json:"is_optimistic"`
}

type ProposerDutiesResponse struct {
	Data []ProposerDuty `json:"data"`
}

type ProposerDuty struct {
	Pubkey         string `json:"pubkey"`
	Slot           uint64 `json:"slot,string"`
	ValidatorIndex uint64 `json:"validator_index,string"`
}

type PayloadAttributesEvent struct {
	Version string                     `json:"version"`
	Data    PayloadAttributesEventData `json:"data"`
}

type PayloadAttributesEventData struct {
	ProposerIndex     uint64            `json:"proposer_index,string"`
	ProposalSlot      uint64            `json:"proposal_slot,string"`
	ParentBlockNumber uint64            `json:"parent_block_number,string"`
	ParentBlockRoot   string            `json:"parent_block_root"`
	ParentBlockHash   string            `json:"parent_block_hash"`
	PayloadAttributes PayloadAttributes `json:"payload_attributes"`
}

type PayloadAttributes struct {
	Timestamp             uint64                         `json:"timestamp,string"`
	PrevRandao            string                         `json:"prev_randao"`
	SuggestedFeeRecipient string                         `json:"suggested_fee_recipient"`
	Withdrawals           []*consensuscapella.Withdrawal `json:"withdrawals"`
}

func sendHTTP(ctx context.Context, client *http.Client, uri string, method string, msg, dst any) (int, error) {
	var body io.Reader
	if msg != nil {
		payload, err := json.Marshal(msg)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return 0, err
	}
	if msg != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close() //nolint:errcheck

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, err
	}

	if res.StatusCode >= http.StatusMultipleChoices {
		ec := &struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{}
		if err := json.Unmarshal(b, &ec); err != nil {
			return res.StatusCode, fmt.Errorf("error unmarshaling error response: %w", err)
		}
		return res.StatusCode, fmt.Errorf("error response: %s", strings.TrimSpace(ec.Message))
	}

	if dst != nil {
		if err := json.Unmarshal(b, dst); err != nil {
			return res.StatusCode, fmt.Errorf("error unmarshaling response: %w", err)
		}
	}

	return res.StatusCode, nil
}
