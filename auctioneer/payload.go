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
	builderapi "github.com/attestantio/go-builder-client/api"
	buildercapella "github.com/attestantio/go-builder-client/api/capella"
	builderspec "github.com/attestantio/go-builder-client/spec"
	consensusspec "github.com/attestantio/go-eth2-client/spec"
	consensuscapella "github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	utilbellatrix "github.com/attestantio/go-eth2-client/util/bellatrix"
	utilcapella "github.com/attestantio/go-eth2-client/util/capella"
	"github.com/flashbots/go-boost-utils/bls"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/holiman/uint256"
)

// buildGetHeaderResponse signs a builder bid over header and value with the
// relay key.
func buildGetHeaderResponse(header *consensuscapella.ExecutionPayloadHeader, value *uint256.Int, sk *bls.SecretKey, pubkey *types.PublicKey, domain types.Domain) (*GetHeaderResponse, error) {
	if header == nil {
		return nil, ErrPayloadNil
	}
	if sk == nil || pubkey == nil {
		return nil, ErrSecretKeyNil
	}

	builderBid := buildercapella.BuilderBid{
		Value:  value,
		Header: header,
		Pubkey: phase0.BLSPubKey(*pubkey),
	}

	sig, err := types.SignMessage(&builderBid, domain, sk)
	if err != nil {
		return nil, err
	}

	return &GetHeaderResponse{
		Capella: &builderspec.VersionedSignedBuilderBid{
			Version: consensusspec.DataVersionCapella,
			Capella: &buildercapella.SignedBuilderBid{
				Message:   &builderBid,
				Signature: phase0.BLSSignature(sig),
			},
		},
	}, nil
}

func capellaPayloadToPayloadHeader(payload *consensuscapella.ExecutionPayload) (*consensuscapella.ExecutionPayloadHeader, error) {
	if payload == nil {
		return nil, ErrPayloadNil
	}

	txs := utilbellatrix.ExecutionPayloadTransactions{Transactions: payload.Transactions}
	txsRoot, err := txs.HashTreeRoot()
	if err != nil {
		return nil, err
	}

	withdrawals := utilcapella.ExecutionPayloadWithdrawals{Withdrawals: payload.Withdrawals}
	withdrawalsRoot, err := withdrawals.HashTreeRoot()
	if err != nil {
		return nil, err
	}

	return &consensuscapella.ExecutionPayloadHeader{
		ParentHash:       payload.ParentHash,
		FeeRecipient:     payload.FeeRecipient,
		StateRoot:        payload.StateRoot,
		ReceiptsRoot:     payload.ReceiptsRoot,
		LogsBloom:        payload.LogsBloom,
		PrevRandao:       payload.PrevRandao,
		BlockNumber:      payload.BlockNumber,
		GasLimit:         payload.GasLimit,
		GasUsed:          payload.GasUsed,
		Timestamp:        payload.Timestamp,
		ExtraData:        payload.ExtraData,
		BaseFeePerGas:    payload.BaseFeePerGas,
		BlockHash:        payload.BlockHash,
		TransactionsRoot: txsRoot,
		WithdrawalsRoot:  withdrawalsRoot,
	}, nil
}

// payloadHeaderRoot is the commitment a proposer signs over for payload.
func payloadHeaderRoot(payload *consensuscapella.ExecutionPayload) (*consensuscapella.ExecutionPayloadHeader, phase0.Root, error) {
	header, err := capellaPayloadToPayloadHeader(payload)
	if err != nil {
		return nil, phase0.Root{}, err
	}
	root, err := header.HashTreeRoot()
	if err != nil {
		return nil, phase0.Root{}, err
	}
	return header, phase0.Root(root), nil
}

func buildGetPayloadResponse(payload *consensuscapella.ExecutionPayload) *GetPayloadResponse {
	return &GetPayloadResponse{
		Capella: &builderapi.VersionedExecutionPayload{
			Version: consensusspec.DataVersionCapella,
			Capella: payload,
		},
	}
}

func unblindedSignedBeaconBlock(b *SignedBlindedBeaconBlock, payload *consensuscapella.ExecutionPayload) *SignedBeaconBlock {
	if b.Capella == nil {
		return nil
	}

	return &SignedBeaconBlock{Capella: &consensuscapella.SignedBeaconBlock{
		Signature: b.Capella.Signature,
		Message: &consensuscapella.BeaconBlock{
			Slot:          b.Capella.Message.Slot,
			ProposerIndex: b.Capella.Message.ProposerIndex,
			ParentRoot:    b.Capella.Message.ParentRoot,
			StateRoot:     b.Capella.Message.StateRoot,
			Body: &consensuscapella.BeaconBlockBody{
				BLSToExecutionChanges: b.Capella.Message.Body.BLSToExecutionChanges,
				RANDAOReveal:          b.Capella.Message.Body.RANDAOReveal,
				ETH1Data:              b.Capella.Message.Body.ETH1Data,
				Graffiti:              b.Capella.Message.Body.Graffiti,
				ProposerSlashings:     b.Capella.Message.Body.ProposerSlashings,
				AttesterSlashings:     b.Capella.Message.Body.AttesterSlashings,
				Attestations:          b.Capella.Message.Body.Attestations,
				Deposits:              b.Capella.Message.Body.Deposits,
				VoluntaryExits:        b.Capella.Message.Body.VoluntaryExits,
				SyncAggregate:         b.Capella.Message.Body.SyncAggregate,
				ExecutionPayload:      payload,
			},
		},
	}}
}
