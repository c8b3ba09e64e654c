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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/draganm/bolted"
	"github.com/draganm/bolted/dbpath"
	"github.com/draganm/bolted/embedded"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"go.etcd.io/bbolt"
)

const (
	storeDBPth = "store.db"
)

var (
	validatorMapPth    = dbpath.ToPath("validator")
	blockBuilderMapPth = dbpath.ToPath("block_builder")
	statsMapPth        = dbpath.ToPath("stats")

	latestSlotKey = "latest_slot"
)

type StoreSetter interface {
	PutRegistration(reg types.SignedValidatorRegistration) error
	SetBlockBuilderStatus(pubKey types.PublicKey, highPriority, blocked bool) error
	SetBlockBuilderDescription(pubKey types.PublicKey, description string) error
	SetLatestSlotStats(slot uint64) error
	Close()
	StoreGetter
}

type StoreGetter interface {
	Registrations() ([]types.SignedValidatorRegistration, error)
	BlockBuilder(pubKey types.PublicKey) (*BlockBuilder, error)
	AllBlockBuilders() ([]BlockBuilder, error)
	LatestSlotStats() (uint64, error)
}

type store struct {
	db  bolted.Database
	pth string
}

// NewStore opens the bbolt database at <prefix>.store.db creating the maps
// it needs.
func NewStore(prefix string) (*store, error) {
	pth := joinDBPth(prefix, storeDBPth)
	db, err := createStore(pth, []dbpath.Path{
		validatorMapPth,
		blockBuilderMapPth,
		statsMapPth,
	})
	if err != nil {
		return nil, err
	}

	return &store{db: db, pth: pth}, nil
}

func (s *store) Close() {
	if err := s.db.Close(); err != nil {
		logger.Error(err, "failed to close store")
	}
}

func (s *store) PutRegistration(reg types.SignedValidatorRegistration) error {
	if reg.Message == nil {
		return ErrPayloadNil
	}

	return bolted.SugaredWrite(s.db, func(tx bolted.SugaredWriteTx) error {
		pth := validatorMapPth.Append(reg.Message.Pubkey.String())
		if tx.Exists(pth) {
			var prev types.SignedValidatorRegistration
			if err := json.Unmarshal(tx.Get(pth), &prev); err != nil {
				return err
			}
			// writes can land out of order, the newer timestamp wins
			if prev.Message != nil && prev.Message.Timestamp >= reg.Message.Timestamp {
				logger.Debug("skipping older registration", "pubKey", reg.Message.Pubkey, "stored", prev.Message.Timestamp, "timestamp", reg.Message.Timestamp)
				return nil
			}
		}

		b, err := json.Marshal(reg)
		if err != nil {
			return err
		}
		tx.Put(pth, b)
		logger.Debug("PutRegistration", "pubKey", reg.Message.Pubkey)
		return nil
	})
}

func (s *store) Registrations() ([]types.SignedValidatorRegistration, error) {
	regs := make([]types.SignedValidatorRegistration, 0)
	if err := bolted.SugaredRead(s.db, func(tx bolted.SugaredReadTx) error {
		for it := tx.Iterator(validatorMapPth); !it.IsDone(); it.Next() {
			var reg types.SignedValidatorRegistration
			if err := json.Unmarshal(it.GetValue(), &reg); err != nil {
				return err
			}
			regs = append(regs, reg)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return regs, nil
}

func (s *store) BlockBuilder(pubKey types.PublicKey) (*BlockBuilder, error) {
	var payload *BlockBuilder
	if err := bolted.SugaredRead(s.db, func(tx bolted.SugaredReadTx) error {
		pth := blockBuilderMapPth.Append(pubKey.String())
		if !tx.Exists(pth) {
			return nil
		}
		payload = new(BlockBuilder)
		return json.Unmarshal(tx.Get(pth), payload)
	}); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, ErrBuilderUnknown
	}
	return payload, nil
}

func (s *store) AllBlockBuilders() ([]BlockBuilder, error) {
	blockBuilders := make([]BlockBuilder, 0)
	if err := bolted.SugaredRead(s.db, func(tx bolted.SugaredReadTx) error {
		for it := tx.Iterator(blockBuilderMapPth); !it.IsDone(); it.Next() {
			var bb BlockBuilder
			if err := json.Unmarshal(it.GetValue(), &bb); err != nil {
				return err
			}
			blockBuilders = append(blockBuilders, bb)
		}
		return nil
	}); err != nil {
		return []BlockBuilder{}, err
	}
	return blockBuilders, nil
}

func (s *store) SetBlockBuilderStatus(pubKey types.PublicKey, highPriority, blocked bool) error {
	return s.upsertBlockBuilder(pubKey, func(bb *BlockBuilder) {
		bb.HighPriority = highPriority
		bb.Blocked = blocked
	})
}

func (s *store) SetBlockBuilderDescription(pubKey types.PublicKey, description string) error {
	return s.upsertBlockBuilder(pubKey, func(bb *BlockBuilder) {
		bb.Description = description
	})
}

func (s *store) upsertBlockBuilder(pubKey types.PublicKey, update func(bb *BlockBuilder)) error {
	return bolted.SugaredWrite(s.db, func(tx bolted.SugaredWriteTx) error {
		pth := blockBuilderMapPth.Append(pubKey.String())
		now := time.Now().UTC()
		payload := BlockBuilder{
			BuilderPubkey: pubKey,
			CreatedAt:     now,
		}
		if tx.Exists(pth) {
			if err := json.Unmarshal(tx.Get(pth), &payload); err != nil {
				return err
			}
		}
		update(&payload)
		payload.UpdatedAt = now

		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		tx.Put(pth, b)
		logger.Debug("upsertBlockBuilder", "pubkey", pubKey, "blocked", payload.Blocked, "highPriority", payload.HighPriority)
		return nil
	})
}

func (s *store) SetLatestSlotStats(slot uint64) error {
	return bolted.SugaredWrite(s.db, func(tx bolted.SugaredWriteTx) error {
		tx.Put(statsMapPth.Append(latestSlotKey), uint64ToByteArray(slot))
		return nil
	})
}

func (s *store) LatestSlotStats() (uint64, error) {
	return s.stat(latestSlotKey)
}

func (s *store) stat(key string) (uint64, error) {
	var v uint64
	err := bolted.SugaredRead(s.db, func(tx bolted.SugaredReadTx) error {
		pth := statsMapPth.Append(key)
		if tx.Exists(pth) {
			v = byteArrayToUint64(tx.Get(pth))
		}
		return nil
	})
	return v, err
}

// Backup writes a consistent snapshot of the store into tw as a single entry
// named after the database file, so it can be extracted next to a fresh
// data directory.
func (s *store) Backup(tw *tar.Writer) error {
	name := filepath.Base(s.pth)
	return bolted.SugaredRead(s.db, func(tx bolted.SugaredReadTx) error {
		if err := tw.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    tx.FileSize(),
			ModTime: time.Now().UTC(),
		}); err != nil {
			return err
		}
		logger.Info("dumping db", "db", name)
		tx.Dump(tw)
		return nil
	})
}

func createStore(pth string, mapPths []dbpath.Path) (bolted.Database, error) {
	db, err := connectStore(pth)
	if err != nil {
		return nil, err
	}

	if err := bolted.SugaredWrite(db, func(tx bolted.SugaredWriteTx) error {
		for _, pth := range mapPths {
			if !tx.Exists(pth) {
				tx.CreateMap(pth)
			}
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return db, nil
}

func connectStore(filepath string) (bolted.Database, error) {
	return embedded.Open(
		filepath,
		0700,
		embedded.Options{
			Options: bbolt.Options{
				Timeout:      1 * time.Second,
				FreelistType: bbolt.FreelistMapType,
				PageSize:     8192,
			},
		},
	)
}

func uint64ToByteArray(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}

func byteArrayToUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func joinDBPth(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return fmt.Sprintf("%s.%s", strings.TrimSuffix(prefix, "."), suffix)
}
