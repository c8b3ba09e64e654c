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
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	builderapi "github.com/attestantio/go-builder-client/api"
	buildercapella "github.com/attestantio/go-builder-client/api/capella"
	v1 "github.com/attestantio/go-builder-client/api/v1"
	builderspec "github.com/attestantio/go-builder-client/spec"
	apicapella "github.com/attestantio/go-eth2-client/api/v1/capella"
	consensuscapella "github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/holiman/uint256"
)

const (
	SlotsPerEpoch    = 32
	SecondsPerSlot   = 12
	DurationPerSlot  = time.Second * SecondsPerSlot
	DurationPerEpoch = DurationPerSlot * time.Duration(SlotsPerEpoch)
)

var (
	ZeroU256 = uint256.NewInt(0)

	CapellaForkVersionGoerli  = "0x03001020"
	CapellaForkVersionMainnet = "0x03000000"
)

type JSONError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
}

// Phase is the lifecycle phase of a single auction.
type Phase uint8

const (
	PhaseOpen Phase = iota
	PhaseClosed
	PhaseRevealed
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	case PhaseRevealed:
		return "revealed"
	case PhaseExpired:
		return "expired"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// AuctionKey identifies one proposing opportunity.
type AuctionKey struct {
	Slot           uint64
	ParentHash     types.Hash
	ProposerPubkey types.PublicKey
}

func (k AuctionKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.Slot, k.ParentHash.String(), k.ProposerPubkey.String())
}

// Bid is a builder's priced commitment to one payload. HeaderRoot is the hash
// tree root of the execution payload header derived from that payload.
type Bid struct {
	BuilderPubkey types.PublicKey
	Value         *uint256.Int
	HeaderRoot    phase0.Root
	BlockHash     types.Hash
	BlockNumber   uint64
	FeeRecipient  types.Address
	Signature     types.Signature
	ReceivedAt    time.Time
}

// Submission is a builder block that passed every validation step and is
// ready for the atomic ledger update.
type Submission struct {
	Key     AuctionKey
	Bid     Bid
	Trace   *v1.BidTrace
	Payload *consensuscapella.ExecutionPayload
	Header  *GetHeaderResponse
}

func (s *Submission) NumTx() int {
	if s.Payload == nil {
		return 0
	}
	return len(s.Payload.Transactions)
}

type BidTrace struct {
	BlockNumber uint64 `json:"block_number,string"`
	NumTx       uint64 `json:"num_tx,string"`
	types.BidTrace
}

type BidTraceReceived struct {
	BidTrace
	Timestamp   int64 `json:"timestamp,omitempty"`
	TimestampMs int64 `json:"timestamp_ms,string,omitempty"`
}

type DeliveredPayload struct {
	BidTrace
	Timestamp time.Time `json:"timestamp"`
}

type BuilderGetValidatorsResponseEntry struct {
	types.BuilderGetValidatorsResponseEntry
	ValidatorIndex uint64 `json:"validator_index,string"`
}

type RegistrationRejection struct {
	Index  int             `json:"index"`
	Pubkey types.PublicKey `json:"pubkey"`
	Reason string          `json:"reason"`
}

type RegisterResult struct {
	Accepted  int                     `json:"accepted"`
	Unchanged int                     `json:"unchanged"`
	Rejected  []RegistrationRejection `json:"rejected"`
}

type SubmitBlockResponse struct {
	Value string `json:"value"`
}

// TopBidUpdate is streamed to subscribers whenever an auction gets a new best bid.
type TopBidUpdate struct {
	Timestamp     uint64          `json:"timestamp,string"`
	Slot          uint64          `json:"slot,string"`
	BlockNumber   uint64          `json:"block_number,string"`
	BlockHash     types.Hash      `json:"block_hash"`
	ParentHash    types.Hash      `json:"parent_hash"`
	BuilderPubkey types.PublicKey `json:"builder_pubkey"`
	FeeRecipient  types.Address   `json:"fee_recipient"`
	Value         string          `json:"value"`
}

type BlockBuilder struct {
	BuilderPubkey types.PublicKey `json:"builder_pubkey"`
	Description   string          `json:"description"`
	HighPriority  bool            `json:"high_priority"`
	Blocked       bool            `json:"blocked"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type BuilderBlockValidationRequest struct {
	BuilderSubmitBlockRequest
	RegisteredGasLimit uint64 `json:"registered_gas_limit,string"`
}

func (b *BuilderBlockValidationRequest) MarshalJSON() ([]byte, error) {
	req, err := b.BuilderSubmitBlockRequest.MarshalJSON()
	if err != nil {
		return nil, err
	}

	g, err := json.Marshal(struct {
		RegisteredGasLimit uint64 `json:"registered_gas_limit,string"`
	}{
		RegisteredGasLimit: b.RegisteredGasLimit,
	})
	if err != nil {
		return nil, err
	}

	g[0] = ','
	return append(req[:len(req)-1], g...), nil
}

type SignedBlindedBeaconBlock struct {
	Capella *apicapella.SignedBlindedBeaconBlock
}

func (s *SignedBlindedBeaconBlock) MarshalJSON() ([]byte, error) {
	if s.Capella != nil {
		return json.Marshal(s.Capella)
	}
	return nil, ErrEmpty
}

func (s *SignedBlindedBeaconBlock) UnmarshalJSON(data []byte) error {
	c := new(apicapella.SignedBlindedBeaconBlock)
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	s.Capella = c
	return nil
}

func (s *SignedBlindedBeaconBlock) IsEmpty() bool {
	return s.Capella == nil || s.Capella.Message == nil || s.Capella.Message.Body == nil || s.Capella.Message.Body.ExecutionPayloadHeader == nil
}

func (s *SignedBlindedBeaconBlock) Signature() types.Signature {
	if s.Capella != nil {
		return types.Signature(s.Capella.Signature)
	}
	return types.Signature{}
}

func (s *SignedBlindedBeaconBlock) Slot() uint64 {
	if s.Capella != nil {
		return uint64(s.Capella.Message.Slot)
	}
	return 0
}

func (s *SignedBlindedBeaconBlock) ProposerIndex() uint64 {
	if s.Capella != nil {
		return uint64(s.Capella.Message.ProposerIndex)
	}
	return 0
}

func (s *SignedBlindedBeaconBlock) BlockHash() types.Hash {
	if s.Capella != nil {
		return types.Hash(s.Capella.Message.Body.ExecutionPayloadHeader.BlockHash)
	}
	return types.Hash{}
}

func (s *SignedBlindedBeaconBlock) ParentHash() types.Hash {
	if s.Capella != nil {
		return types.Hash(s.Capella.Message.Body.ExecutionPayloadHeader.ParentHash)
	}
	return types.Hash{}
}

func (s *SignedBlindedBeaconBlock) BlockNumber() uint64 {
	if s.Capella != nil {
		return s.Capella.Message.Body.ExecutionPayloadHeader.BlockNumber
	}
	return 0
}

func (s *SignedBlindedBeaconBlock) HeaderRoot() (phase0.Root, error) {
	if s.Capella == nil {
		return phase0.Root{}, ErrEmpty
	}
	root, err := s.Capella.Message.Body.ExecutionPayloadHeader.HashTreeRoot()
	if err != nil {
		return phase0.Root{}, err
	}
	return phase0.Root(root), nil
}

func (s *SignedBlindedBeaconBlock) Message() types.HashTreeRoot {
	if s.Capella != nil {
		return s.Capella.Message
	}
	return nil
}

type SignedBeaconBlock struct {
	Capella *consensuscapella.SignedBeaconBlock
}

func (s *SignedBeaconBlock) MarshalJSON() ([]byte, error) {
	if s.Capella != nil {
		return json.Marshal(s.Capella)
	}
	return nil, ErrEmpty
}

func (s *SignedBeaconBlock) Slot() uint64 {
	if s.Capella != nil {
		return uint64(s.Capella.Message.Slot)
	}
	return 0
}

type GetPayloadResponse struct {
	Capella *builderapi.VersionedExecutionPayload
}

func (g *GetPayloadResponse) MarshalJSON() ([]byte, error) {
	if g.Capella != nil {
		return json.Marshal(g.Capella)
	}
	return nil, ErrEmpty
}

func (g *GetPayloadResponse) UnmarshalJSON(data []byte) error {
	c := new(builderapi.VersionedExecutionPayload)
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	g.Capella = c
	return nil
}

func (g *GetPayloadResponse) BlockHash() types.Hash {
	if g.Capella != nil && g.Capella.Capella != nil {
		return types.Hash(g.Capella.Capella.BlockHash)
	}
	return types.Hash{}
}

func (g *GetPayloadResponse) NumTx() int {
	if g.Capella != nil && g.Capella.Capella != nil {
		return len(g.Capella.Capella.Transactions)
	}
	return 0
}

type GetHeaderResponse struct {
	Capella *builderspec.VersionedSignedBuilderBid
}

func (h *GetHeaderResponse) MarshalJSON() ([]byte, error) {
	if h.Capella != nil {
		return json.Marshal(h.Capella)
	}
	return nil, ErrEmpty
}

func (h *GetHeaderResponse) UnmarshalJSON(data []byte) error {
	c := new(builderspec.VersionedSignedBuilderBid)
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	h.Capella = c
	return nil
}

func (h *GetHeaderResponse) IsEmpty() bool {
	if h == nil || h.Capella == nil {
		return true
	}
	return h.Capella.Capella == nil || h.Capella.Capella.Message == nil
}

func (h *GetHeaderResponse) Value() *big.Int {
	if h.IsEmpty() {
		return nil
	}
	return h.Capella.Capella.Message.Value.ToBig()
}

func (h *GetHeaderResponse) BlockHash() types.Hash {
	if h.IsEmpty() {
		return types.Hash{}
	}
	return types.Hash(h.Capella.Capella.Message.Header.BlockHash)
}

type BuilderSubmitBlockRequest struct {
	Capella *buildercapella.SubmitBlockRequest
}

func (r *BuilderSubmitBlockRequest) MarshalJSON() ([]byte, error) {
	if r.Capella != nil {
		return json.Marshal(r.Capella)
	}
	return nil, ErrEmpty
}

func (r *BuilderSubmitBlockRequest) UnmarshalJSON(data []byte) error {
	c := new(buildercapella.SubmitBlockRequest)
	if err := json.Unmarshal(data, c); err != nil {
		return err
	}
	r.Capella = c
	return nil
}

func (r *BuilderSubmitBlockRequest) IsEmpty() bool {
	if r == nil || r.Capella == nil {
		return true
	}
	return r.Capella.Message == nil || r.Capella.ExecutionPayload == nil || r.Capella.Message.Value == nil
}

func (r *BuilderSubmitBlockRequest) BidTrace() *v1.BidTrace {
	if r.Capella != nil {
		return r.Capella.Message
	}
	return nil
}

func (r *BuilderSubmitBlockRequest) ExecutionPayload() *consensuscapella.ExecutionPayload {
	if r.Capella != nil {
		return r.Capella.ExecutionPayload
	}
	return nil
}

func (r *BuilderSubmitBlockRequest) Signature() types.Signature {
	if r.Capella != nil {
		return types.Signature(r.Capella.Signature)
	}
	return types.Signature{}
}

func (r *BuilderSubmitBlockRequest) Slot() uint64 {
	if r.Capella != nil && r.Capella.Message != nil {
		return r.Capella.Message.Slot
	}
	return 0
}

func (r *BuilderSubmitBlockRequest) NumTx() int {
	if r.Capella != nil && r.Capella.ExecutionPayload != nil {
		return len(r.Capella.ExecutionPayload.Transactions)
	}
	return 0
}
