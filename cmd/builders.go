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
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/auctioneer"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// builderStore is the slice of the store the offline builder commands need.
type builderStore interface {
	AllBlockBuilders() ([]auctioneer.BlockBuilder, error)
	SetBlockBuilderStatus(pubKey types.PublicKey, highPriority, blocked bool) error
	SetBlockBuilderDescription(pubKey types.PublicKey, description string) error
}

// Builders edits the builder policy directly in the store. The auctioneer
// holds the database lock while running, so use the admin api then.
func Builders() *cli.Command {
	dbFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "db-prefix",
			Value:   "prod",
			EnvVars: []string{"DB_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "db-pth",
			Value:   "dbs/prod_db",
			EnvVars: []string{"DB_PTH"},
		},
	}

	return &cli.Command{
		Name:  "builders",
		Usage: "list or change block builder policy in an offline store",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "print every known builder as json",
				Flags: dbFlags,
				Action: func(c *cli.Context) error {
					defer zap.L().Sync() // nolint:errcheck
					s, err := auctioneer.NewStore(filepath.Join(c.String("db-pth"), c.String("db-prefix")))
					if err != nil {
						return err
					}
					defer s.Close()

					return listBuilders(c.App.Writer, s)
				},
			},
			{
				Name:  "set",
				Usage: "set the policy of a single builder",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "pubkey",
						Required: true,
					},
					&cli.BoolFlag{
						Name: "high-priority",
					},
					&cli.BoolFlag{
						Name: "blocked",
					},
					&cli.StringFlag{
						Name: "description",
					},
				}, dbFlags...),
				Action: func(c *cli.Context) error {
					defer zap.L().Sync() // nolint:errcheck

					var pubKey types.PublicKey
					if err := pubKey.UnmarshalText([]byte(c.String("pubkey"))); err != nil {
						return fmt.Errorf("invalid pubkey: %w", err)
					}

					s, err := auctioneer.NewStore(filepath.Join(c.String("db-pth"), c.String("db-prefix")))
					if err != nil {
						return err
					}
					defer s.Close()

					var description *string
					if c.IsSet("description") {
						d := c.String("description")
						description = &d
					}
					return setBuilder(s, pubKey, c.Bool("high-priority"), c.Bool("blocked"), description)
				},
			},
		},
	}
}

func listBuilders(w io.Writer, s builderStore) error {
	builders, err := s.AllBlockBuilders()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(builders)
}

func setBuilder(s builderStore, pubKey types.PublicKey, highPriority, blocked bool, description *string) error {
	if err := s.SetBlockBuilderStatus(pubKey, highPriority, blocked); err != nil {
		return err
	}
	if description != nil {
		if err := s.SetBlockBuilderDescription(pubKey, *description); err != nil {
			return err
		}
	}
	logger.Info("builder updated", "pubkey", pubKey.String(), "highPriority", highPriority, "blocked", blocked)
	return nil
}
