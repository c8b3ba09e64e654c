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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/go-boost-utils/bls"
	"github.com/flashbots/go-boost-utils/types"
	"github.com/manifoldfinance/mev-auctioneer/logger"
)

var (
	ErrNoBeaconsProvided   = errors.New("no beacons provided")
	ErrNoSecretKeyProvided = errors.New("no secret key provided")
	ErrNoExecutionProvided = errors.New("no execution client provided")
	ErrNoBackupFound       = errors.New("no backup found")
)

const restorePrefix = "backup_"

var restoreRgx = regexp.MustCompile(`^backup_(\d+)\.tar\.gz$`)

func shutdown(ctx context.Context, name string, srv *http.Server) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	logger.Info(fmt.Sprintf("graceful shutdown of the %s server", name))
	err := srv.Shutdown(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Info(fmt.Sprintf("%s server did not shut down gracefully, forcing close", name))
		srv.Close() // nolint: errcheck
	}
}

func runServer(ctx context.Context, name string, srv *http.Server) error {
	logger.Info(fmt.Sprintf("starting %s server", name), "address", srv.Addr)
	go shutdown(ctx, name, srv)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func waitForSignal(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info("signal received, terminating", "sig", sig)
		return fmt.Errorf("signal %s received", sig.String())
	case <-ctx.Done():
		return nil
	}
}

func relayKeys(secretKey string) (*bls.SecretKey, *types.PublicKey, error) {
	if secretKey == "" {
		return nil, nil, ErrNoSecretKeyProvided
	}

	dsk, err := hexutil.Decode(secretKey)
	if err != nil {
		return nil, nil, err
	}
	sk, err := bls.SecretKeyFromBytes(dsk[:])
	if err != nil {
		return nil, nil, err
	}

	blsKey, err := bls.PublicKeyFromSecretKey(sk)
	if err != nil {
		return nil, nil, err
	}
	pk, err := types.BlsPublicKeyToPublicKey(blsKey)
	if err != nil {
		return nil, nil, err
	}
	return sk, &pk, nil
}
