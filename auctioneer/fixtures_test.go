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
	cryptorand "crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	v1 "github.com/attestantio/go-builder-client/api/v1"
	buildercapella "github.com/attestantio/go-builder-client/api/capella"
	apicapella "github.com/attestantio/go-eth2-client/api/v1/capella"
	"github.com/attestantio/go-eth2-client/spec/altair"
	consensusbellatrix "github.com/attestantio/go-eth2-client/spec/bellatrix"
	consensuscapella "github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/benbjohnson/clock"
	"github.com/flashbots/go-boost-utils/bls"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/holiman/uint256"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	testGenesis       = uint64(1_606_824_023)
	testSlot          = uint64(96)
	testProposerIndex = uint64(7)
	testGasLimit      = uint64(30_000_000)
	testCutoff        = 3 * time.Second
)

func random20Bytes() (b [20]byte) {
	cryptorand.Read(b[:]) // nolint: errcheck
	return b
}

func random32Bytes() (b [32]byte) {
	cryptorand.Read(b[:]) // nolint: errcheck
	return b
}

func random48Bytes() (b [48]byte) {
	cryptorand.Read(b[:]) // nolint: errcheck
	return b
}

func random64Bytes() (b [64]byte) {
	cryptorand.Read(b[:]) // nolint: errcheck
	return b
}

func random96Bytes() (b [96]byte) {
	cryptorand.Read(b[:]) // nolint: errcheck
	return b
}

func newTestKeypair(t *testing.T) (*bls.SecretKey, types.PublicKey) {
	t.Helper()
	sk, bpk, err := bls.GenerateNewKeypair()
	require.NoError(t, err)
	pk, err := types.BlsPublicKeyToPublicKey(bpk)
	require.NoError(t, err)
	return sk, pk
}

func newTestRelayConfig(t *testing.T) *RelayConfig {
	t.Helper()
	sk, pk := newTestKeypair(t)
	cfg, err := NewRelayConfig("goerli", &pk, sk, nil)
	require.NoError(t, err)
	return cfg
}

func newTestRegistration(t *testing.T, sk *bls.SecretKey, pk types.PublicKey, domain types.Domain, feeRecipient types.Address, timestamp uint64) types.SignedValidatorRegistration {
	t.Helper()
	msg := &types.RegisterValidatorRequestMessage{
		FeeRecipient: feeRecipient,
		GasLimit:     testGasLimit,
		Timestamp:    timestamp,
		Pubkey:       pk,
	}
	sig, err := types.SignMessage(msg, domain, sk)
	require.NoError(t, err)
	return types.SignedValidatorRegistration{Message: msg, Signature: sig}
}

type fakeDutySource struct {
	mux    sync.Mutex
	duties map[uint64][]DutyRecord
	err    error
	calls  atomic.Int64
}

func (f *fakeDutySource) CurrentDuties(ctx context.Context, epoch uint64) ([]DutyRecord, error) {
	f.calls.Inc()
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.duties[epoch], nil
}

func (f *fakeDutySource) setErr(err error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.err = err
}

type fakeChainState struct {
	mux    sync.Mutex
	parent ParentInfo
	err    error
	calls  int
}

func (f *fakeChainState) HeadForSlot(ctx context.Context, slot uint64) (ParentInfo, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.calls++
	if f.err != nil {
		return ParentInfo{}, f.err
	}
	return f.parent, nil
}

func (f *fakeChainState) set(parent ParentInfo, err error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.parent = parent
	f.err = err
}

type fakeSimulator struct {
	mux   sync.Mutex
	err   error
	calls int
}

func (f *fakeSimulator) Simulate(ctx context.Context, req *BuilderBlockValidationRequest) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.calls++
	return f.err
}

type fakeBuilderPolicy struct {
	mux      sync.Mutex
	builders map[types.PublicKey]*BlockBuilder
}

func (f *fakeBuilderPolicy) BlockBuilder(pubKey types.PublicKey) (*BlockBuilder, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	b, ok := f.builders[pubKey]
	if !ok {
		return nil, ErrBuilderUnknown
	}
	return b, nil
}

type fakePublisher struct {
	published chan *SignedBeaconBlock
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(chan *SignedBeaconBlock, 8)}
}

func (f *fakePublisher) PublishBlock(ctx context.Context, block *SignedBeaconBlock) error {
	f.published <- block
	return errors.New("beacon node unreachable")
}

// testEnv wires the auction core against fakes for every collaborator. The
// mock clock starts one second into testSlot.
type testEnv struct {
	cfg           *RelayConfig
	clock         *clock.Mock
	slots         SlotClock
	ledger        *BidLedger
	dutySource    *fakeDutySource
	duties        *DutyTracker
	registrations *RegistrationCache
	chainState    *fakeChainState
	chain         *ChainView
	simulator     *fakeSimulator
	builders      *fakeBuilderPolicy
	publisher     *fakePublisher
	validator     *SubmissionValidator
	exchange      *Exchange

	proposerSK   *bls.SecretKey
	proposerPK   types.PublicKey
	builderSK    *bls.SecretKey
	builderPK    types.PublicKey
	feeRecipient types.Address
	parent       ParentInfo
	slot         uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		cfg:          newTestRelayConfig(t),
		clock:        clock.NewMock(),
		slots:        NewSlotClock(testGenesis, DurationPerSlot, testCutoff),
		feeRecipient: types.Address(random20Bytes()),
		parent: ParentInfo{
			Hash:        types.Hash(random32Bytes()),
			GasLimit:    testGasLimit,
			BlockNumber: 100,
		},
		slot:      testSlot,
		simulator: &fakeSimulator{},
		builders:  &fakeBuilderPolicy{builders: make(map[types.PublicKey]*BlockBuilder)},
		publisher: newFakePublisher(),
	}
	env.proposerSK, env.proposerPK = newTestKeypair(t)
	env.builderSK, env.builderPK = newTestKeypair(t)
	env.clock.Set(env.slots.SlotStart(testSlot).Add(time.Second))

	env.ledger = NewBidLedger(env.slots, env.clock)

	epoch := testSlot / SlotsPerEpoch
	env.dutySource = &fakeDutySource{duties: map[uint64][]DutyRecord{
		epoch: {{Slot: testSlot, Pubkey: env.proposerPK, ValidatorIndex: testProposerIndex}},
	}}
	env.duties = NewDutyTracker(env.dutySource, time.Second)
	require.NoError(t, env.duties.Refresh(context.Background(), epoch))

	env.registrations = NewRegistrationCache(env.cfg.DomainBuilder, env.clock, nil, 0)
	reg := newTestRegistration(t, env.proposerSK, env.proposerPK, env.cfg.DomainBuilder, env.feeRecipient, uint64(env.clock.Now().Unix()))
	res := env.registrations.Register([]types.SignedValidatorRegistration{reg})
	require.Equal(t, 1, res.Accepted)

	env.chainState = &fakeChainState{parent: env.parent}
	env.chain = NewChainView(env.chainState, env.clock, time.Second, 500*time.Millisecond, DurationPerSlot)

	env.validator = NewSubmissionValidator(env.cfg, env.slots, env.builders, env.duties, env.registrations, env.chain, env.ledger, env.simulator)
	env.exchange = NewExchange(env.cfg, env.ledger, env.duties, env.publisher, nil, time.Second)
	return env
}

func (env *testEnv) key() AuctionKey {
	return AuctionKey{Slot: env.slot, ParentHash: env.parent.Hash, ProposerPubkey: env.proposerPK}
}

// submitRequest builds a consistent, builder signed submission for the
// env's auction. mutate runs before signing.
func (env *testEnv) submitRequest(t *testing.T, value uint64, mutate func(trace *v1.BidTrace, payload *consensuscapella.ExecutionPayload)) *BuilderSubmitBlockRequest {
	t.Helper()
	return env.submitRequestBy(t, env.builderSK, env.builderPK, value, mutate)
}

func (env *testEnv) submitRequestBy(t *testing.T, sk *bls.SecretKey, pk types.PublicKey, value uint64, mutate func(trace *v1.BidTrace, payload *consensuscapella.ExecutionPayload)) *BuilderSubmitBlockRequest {
	t.Helper()

	payload := &consensuscapella.ExecutionPayload{
		ParentHash:    phase0.Hash32(env.parent.Hash),
		FeeRecipient:  consensusbellatrix.ExecutionAddress(env.feeRecipient),
		PrevRandao:    random32Bytes(),
		BlockNumber:   env.parent.BlockNumber + 1,
		GasLimit:      testGasLimit,
		GasUsed:       21_000,
		Timestamp:     uint64(env.slots.SlotStart(env.slot).Unix()),
		ExtraData:     []byte{0x01, 0x02, 0x03},
		BlockHash:     phase0.Hash32(random32Bytes()),
		Transactions:  []consensusbellatrix.Transaction{[]byte{0x02, 0xf8, 0x70}},
		Withdrawals:   []*consensuscapella.Withdrawal{},
		BaseFeePerGas: [32]byte{0x07},
	}
	trace := &v1.BidTrace{
		Slot:                 env.slot,
		ParentHash:           payload.ParentHash,
		BlockHash:            payload.BlockHash,
		BuilderPubkey:        phase0.BLSPubKey(pk),
		ProposerPubkey:       phase0.BLSPubKey(env.proposerPK),
		ProposerFeeRecipient: payload.FeeRecipient,
		GasLimit:             payload.GasLimit,
		GasUsed:              payload.GasUsed,
		Value:                uint256.NewInt(value),
	}
	if mutate != nil {
		mutate(trace, payload)
	}

	sig, err := types.SignMessage(trace, env.cfg.DomainBuilder, sk)
	require.NoError(t, err)

	return &BuilderSubmitBlockRequest{Capella: &buildercapella.SubmitBlockRequest{
		Message:          trace,
		ExecutionPayload: payload,
		Signature:        phase0.BLSSignature(sig),
	}}
}

// accept validates req and hands it to the ledger, as the submit handler does.
func (env *testEnv) accept(t *testing.T, req *BuilderSubmitBlockRequest) (*Submission, error) {
	t.Helper()
	sub, err := env.validator.Validate(context.Background(), req, env.clock.Now())
	if err != nil {
		return nil, err
	}
	if _, err := env.ledger.Accept(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// blindedBlock signs a blinded block committing to header as the env's proposer.
func (env *testEnv) blindedBlock(t *testing.T, header *consensuscapella.ExecutionPayloadHeader) *SignedBlindedBeaconBlock {
	t.Helper()
	return env.blindedBlockBy(t, env.proposerSK, header)
}

func (env *testEnv) blindedBlockBy(t *testing.T, sk *bls.SecretKey, header *consensuscapella.ExecutionPayloadHeader) *SignedBlindedBeaconBlock {
	t.Helper()

	eth1BlockHash := random32Bytes()
	syncBits := random64Bytes()
	block := &apicapella.BlindedBeaconBlock{
		Slot:          phase0.Slot(env.slot),
		ProposerIndex: phase0.ValidatorIndex(testProposerIndex),
		ParentRoot:    phase0.Root(random32Bytes()),
		StateRoot:     phase0.Root(random32Bytes()),
		Body: &apicapella.BlindedBeaconBlockBody{
			RANDAOReveal: phase0.BLSSignature(random96Bytes()),
			ETH1Data: &phase0.ETH1Data{
				DepositRoot:  phase0.Root(random32Bytes()),
				DepositCount: 1,
				BlockHash:    eth1BlockHash[:],
			},
			Graffiti:          random32Bytes(),
			ProposerSlashings: []*phase0.ProposerSlashing{},
			AttesterSlashings: []*phase0.AttesterSlashing{},
			Attestations:      []*phase0.Attestation{},
			Deposits:          []*phase0.Deposit{},
			VoluntaryExits:    []*phase0.SignedVoluntaryExit{},
			SyncAggregate: &altair.SyncAggregate{
				SyncCommitteeBits:      bitfield.Bitvector512(syncBits[:]),
				SyncCommitteeSignature: phase0.BLSSignature(random96Bytes()),
			},
			ExecutionPayloadHeader: header,
			BLSToExecutionChanges:  []*consensuscapella.SignedBLSToExecutionChange{},
		},
	}

	sig, err := types.SignMessage(block, env.cfg.DomainBeaconProposerCapella, sk)
	require.NoError(t, err)

	return &SignedBlindedBeaconBlock{Capella: &apicapella.SignedBlindedBeaconBlock{
		Message:   block,
		Signature: phase0.BLSSignature(sig),
	}}
}

// shownHeader returns the header a proposer received for sub.
func shownHeader(t *testing.T, header *GetHeaderResponse) *consensuscapella.ExecutionPayloadHeader {
	t.Helper()
	require.False(t, header.IsEmpty())
	return header.Capella.Capella.Message.Header
}

// newTestSubmission is a minimal submission for ledger level tests that do
// not go through validation.
func newTestSubmission(key AuctionKey, value uint64, receivedAt time.Time) *Submission {
	payload := &consensuscapella.ExecutionPayload{
		ParentHash:   phase0.Hash32(key.ParentHash),
		BlockHash:    phase0.Hash32(random32Bytes()),
		BlockNumber:  101,
		GasLimit:     testGasLimit,
		ExtraData:    []byte{},
		Transactions: []consensusbellatrix.Transaction{},
		Withdrawals:  []*consensuscapella.Withdrawal{},
	}
	_, root, err := payloadHeaderRoot(payload)
	if err != nil {
		panic(err)
	}
	return &Submission{
		Key: key,
		Bid: Bid{
			BuilderPubkey: types.PublicKey(random48Bytes()),
			Value:         uint256.NewInt(value),
			HeaderRoot:    root,
			BlockHash:     types.Hash(payload.BlockHash),
			BlockNumber:   payload.BlockNumber,
			ReceivedAt:    receivedAt,
		},
		Payload: payload,
		Header:  &GetHeaderResponse{},
	}
}
