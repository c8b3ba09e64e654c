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
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "net/http/pprof"

	"github.com/benbjohnson/clock"
	"github.com/manifoldfinance/mev-auctioneer/auctioneer"
	"github.com/manifoldfinance/mev-auctioneer/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func Auctioneer() *cli.Command {
	return &cli.Command{
		Name:  "auctioneer",
		Usage: "relay auction, admin api and prometheus services",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":50051",
				EnvVars: []string{"ADDR"},
			},
			&cli.StringFlag{
				Name:    "network",
				Value:   "main",
				EnvVars: []string{"NETWORK"},
			},
			&cli.StringFlag{
				Name:    "genesis-fork-version",
				Usage:   "genesis fork version of a custom network",
				EnvVars: []string{"GENESIS_FORK_VERSION"},
			},
			&cli.StringFlag{
				Name:    "genesis-validators-root",
				Usage:   "genesis validators root of a custom network",
				EnvVars: []string{"GENESIS_VALIDATORS_ROOT"},
			},
			&cli.StringFlag{
				Name:    "capella-fork-version",
				Usage:   "capella fork version of a custom network",
				EnvVars: []string{"CAPELLA_FORK_VERSION"},
			},
			&cli.Uint64Flag{
				Name:    "chain-id",
				Usage:   "execution chain id of a custom network",
				EnvVars: []string{"CHAIN_ID"},
			},
			&cli.StringSliceFlag{
				Name:    "beacons",
				Value:   cli.NewStringSlice("http://localhost:3500"),
				EnvVars: []string{"BEACONS"},
			},
			&cli.StringFlag{
				Name:    "execution-url",
				Value:   "http://localhost:8545",
				EnvVars: []string{"EXECUTION_URL"},
			},
			&cli.StringFlag{
				Name:    "block-sim-url",
				Usage:   "block validation node, empty disables simulation",
				Value:   "http://localhost:8545",
				EnvVars: []string{"BLOCK_SIM_URL"},
			},
			&cli.BoolFlag{
				Name:    "enable-pprof",
				Value:   false,
				EnvVars: []string{"ENABLE_PPROF"},
			},
			&cli.StringFlag{
				Name:    "pprof-addr",
				Value:   ":6060",
				EnvVars: []string{"PPROF_ADDR"},
			},
			&cli.StringFlag{
				Name:     "secret-key",
				Required: true,
				EnvVars:  []string{"SECRET_KEY"},
			},
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
			&cli.StringFlag{
				Name:    "prometheus-addr",
				Value:   ":9000",
				EnvVars: []string{"PROMETHEUS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "api-addr",
				Value:   ":50052",
				EnvVars: []string{"API_ADDR"},
			},
			&cli.StringFlag{
				Name:    "sha-version",
				Value:   "unknown",
				EnvVars: []string{"SHA_VERSION"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Value:   false,
				EnvVars: []string{"LOG_JSON"},
			},
			// "Maximum number of in-flight submissions per builder and slot, 0 disables the limit.",
			&cli.Uint64Flag{
				Name:    "max-rate-limit",
				Value:   0,
				EnvVars: []string{"MAX_RATE_LIMIT"},
			},
			&cli.StringFlag{
				Name:    "events-url",
				EnvVars: []string{"EVENTS_URL"},
			},
			// "Timeout for reading a single request from the client in milliseconds.",
			&cli.Uint64Flag{
				Name:    "read-timeout",
				Value:   1500,
				EnvVars: []string{"READ_TIMEOUT"},
			},
			// "Timeout for reading the headers of a request from the client in milliseconds.",
			&cli.Uint64Flag{
				Name:    "read-head-timeout",
				Value:   600,
				EnvVars: []string{"READ_HEAD_TIMEOUT"},
			},
			// "Timeout for writing a response to the client in seconds.",
			&cli.Uint64Flag{
				Name:    "write-timeout",
				Value:   10,
				EnvVars: []string{"WRITE_TIMEOUT"},
			},
			//"Timeout for an idle connection in seconds.",
			&cli.Uint64Flag{
				Name:    "idle-timeout",
				Value:   3,
				EnvVars: []string{"IDLE_TIMEOUT"},
			},
			// "Timeout for every beacon node request in milliseconds.",
			&cli.Uint64Flag{
				Name:    "beacon-timeout",
				Value:   2000,
				EnvVars: []string{"BEACON_TIMEOUT"},
			},
			// "Timeout on how long to wait for the beacon to propagate the new block in milliseconds.",
			&cli.Uint64Flag{
				Name:    "beacon-propose-timeout",
				Value:   1000,
				EnvVars: []string{"BEACON_PROPOSE_TIMEOUT"},
			},
			// "Timeout on how long to wait for the builder block simulation in milliseconds.",
			&cli.Uint64Flag{
				Name:    "builder-block-sim-timeout",
				Value:   3000,
				EnvVars: []string{"BUILDER_BLOCK_SIM_TIMEOUT"},
			},
			// "Milliseconds into the slot after which bids are no longer accepted.",
			&cli.Uint64Flag{
				Name:    "cut-off-timeout",
				Value:   3000,
				EnvVars: []string{"CUT_OFF_TIMEOUT"},
			},
			// "Milliseconds a known parent is served without asking the chain again.",
			&cli.Uint64Flag{
				Name:    "chain-refresh",
				Value:   500,
				EnvVars: []string{"CHAIN_REFRESH"},
			},
			// "Milliseconds a known parent may still be served while the chain is unreachable.",
			&cli.Uint64Flag{
				Name:    "chain-staleness",
				Value:   12_000,
				EnvVars: []string{"CHAIN_STALENESS"},
			},
			&cli.Uint64Flag{
				Name:    "retention-slots",
				Value:   2,
				EnvVars: []string{"RETENTION_SLOTS"},
			},
			&cli.Uint64Flag{
				Name:    "max-ch-queue",
				Value:   10_000,
				EnvVars: []string{"MAX_CH_QUEUE"},
			},
		},
		Action: func(c *cli.Context) error {
			defer zap.L().Sync() // nolint:errcheck

			cfg := loadConfig(c)
			if err := logger.Configure(cfg.LogLevel, cfg.LogJSON); err != nil {
				return err
			}
			logger.SetVersion(cfg.ShaVersion)

			return runAuctioneer(c.Context, cfg)
		},
	}
}

func runAuctioneer(parent context.Context, cfg auctioneerConfig) error {
	if len(cfg.Beacons) == 0 {
		return ErrNoBeaconsProvided
	}
	if cfg.ExecutionURL == "" {
		return ErrNoExecutionProvided
	}

	secretKey, publicKey, err := relayKeys(cfg.SecretKey)
	if err != nil {
		return err
	}

	relayCfg, err := auctioneer.NewRelayConfig(cfg.Network, publicKey, secretKey, cfg.networkParams())
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.DBPth); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DBPth, os.ModePerm); err != nil {
			return err
		}
	}

	exporter, err := jaeger.New(jaeger.WithAgentEndpoint())
	if err != nil {
		logger.Error(err, "failed to create jaeger exporter")
		return err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("mev-auctioneer"),
		attribute.Int64("chainID", int64(relayCfg.ChainID)),
	))
	if err != nil {
		logger.Error(err, "failed to create resource")
		return err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	defer provider.Shutdown(context.Background()) // nolint:errcheck
	relayTracer := otel.Tracer("relay")
	apiTracer := otel.Tracer("adminApi")

	eg, ctx := errgroup.WithContext(parent)

	evtSender, err := auctioneer.NewEventSender(ctx, cfg.EventsURL)
	if err != nil {
		logger.Error(err, "failed to create event sender")
		return err
	}

	store, err := auctioneer.NewStore(filepath.Join(cfg.DBPth, cfg.DBPrefix))
	if err != nil {
		logger.Error(err, "failed to create store")
		return err
	}
	defer store.Close()

	beaconTimeout := time.Duration(cfg.BeaconTimeout) * time.Millisecond
	beacon := auctioneer.NewMultiBeacon(cfg.Beacons, beaconTimeout)
	genesis, err := beacon.Genesis(ctx)
	if genesis == nil || err != nil {
		logger.Error(err, "failed to get genesis")
		return err
	}
	logger.Info("genesis info", "genesisTime", genesis.GenesisTime)

	syncNode, err := beacon.BestSyncingNode(ctx)
	if err != nil {
		return err
	}
	logger.Info("syncing node", "headSlot", syncNode.Data.HeadSlot)

	eth, err := auctioneer.DialExecution(ctx, cfg.ExecutionURL)
	if err != nil {
		logger.Error(err, "failed to dial execution client")
		return err
	}
	defer eth.Close()

	simulator, err := auctioneer.NewBlockSimulator(ctx, cfg.BlockSimURL, time.Duration(cfg.BuilderBlockSimTimeout)*time.Millisecond)
	if err != nil {
		logger.Error(err, "failed to create block simulator")
		return err
	}

	clk := clock.New()
	slots := auctioneer.NewSlotClock(genesis.GenesisTime, auctioneer.DurationPerSlot, time.Duration(cfg.CutOffTimeout)*time.Millisecond)

	registrations := auctioneer.NewRegistrationCache(relayCfg.DomainBuilder, clk, store, cfg.MaxChQueue)
	if err := registrations.Load(); err != nil {
		logger.Error(err, "failed to load registrations")
		return err
	}

	duties := auctioneer.NewDutyTracker(beacon, beaconTimeout)
	chainState := auctioneer.NewBeaconChainState(eth, cfg.RetentionSlots+auctioneer.SlotsPerEpoch)
	chain := auctioneer.NewChainView(
		chainState,
		clk,
		beaconTimeout,
		time.Duration(cfg.ChainRefresh)*time.Millisecond,
		time.Duration(cfg.ChainStaleness)*time.Millisecond,
	)

	ledger := auctioneer.NewBidLedger(slots, clk)
	lifecycle := auctioneer.NewLifecycle(slots, clk, ledger, duties, chain, store, cfg.RetentionSlots)
	validator := auctioneer.NewSubmissionValidator(relayCfg, slots, store, duties, registrations, chain, ledger, simulator)
	exchange := auctioneer.NewExchange(relayCfg, ledger, duties, beacon, evtSender, time.Duration(cfg.BeaconProposeTimeout)*time.Millisecond)
	topBids := auctioneer.NewTopBidStream()
	defer topBids.Close()

	relaySvc := auctioneer.NewRelay(
		validator,
		ledger,
		exchange,
		registrations,
		duties,
		topBids,
		evtSender,
		auctioneer.NewRateLimiter(cfg.MaxRateLimit, auctioneer.DurationPerEpoch, clk),
		clk,
		relayTracer,
	)
	api := auctioneer.NewAPI(store, ledger, registrations, duties, cfg.Network, clk, apiTracer)

	eg.Go(func() error {
		registrations.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		chainState.Run(ctx, beacon)
		return nil
	})

	eg.Go(func() error {
		return lifecycle.Run(ctx)
	})

	eg.Go(func() error {
		return runPrometheusServer(ctx, cfg.PrometheusAddr)
	})

	if cfg.EnablePprof {
		eg.Go(func() error {
			return runPprofServer(ctx, cfg.PprofAddr)
		})
	}

	eg.Go(func() error {
		return runServer(ctx, "api", api.HTTPServer(cfg.APIAddr))
	})

	eg.Go(func() error {
		return runRelayServer(ctx, cfg.Addr, cfg.ReadTimeout, cfg.ReadHeadTimeout, cfg.WriteTimeout, cfg.IdleTimeout, relaySvc)
	})

	eg.Go(func() error {
		return waitForSignal(ctx)
	})

	return eg.Wait()
}

func runRelayServer(ctx context.Context, addr string, readTimeout, readHeadTimeout, writeTimeout, idleTimeout uint64, r auctioneer.Relay) error {
	return runServer(ctx, "relay", r.HTTPServer(addr, readTimeout, readHeadTimeout, writeTimeout, idleTimeout))
}

func runPprofServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/debug/pprof/", http.DefaultServeMux)
	return runServer(ctx, "pprof", &http.Server{
		Addr:    addr,
		Handler: mux,
	})
}

func runPrometheusServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return runServer(ctx, "prometheus", &http.Server{
		Addr:    addr,
		Handler: mux,
	})
}

type auctioneerConfig struct {
	Addr                   string
	Network                string
	GenesisForkVersion     string
	GenesisValidatorsRoot  string
	CapellaForkVersion     string
	ChainID                uint64
	Beacons                []string
	ExecutionURL           string
	BlockSimURL            string
	EnablePprof            bool
	PprofAddr              string
	SecretKey              string
	DBPrefix               string
	DBPth                  string
	PrometheusAddr         string
	APIAddr                string
	ShaVersion             string
	LogLevel               string
	LogJSON                bool
	MaxRateLimit           uint64
	EventsURL              string
	ReadTimeout            uint64
	ReadHeadTimeout        uint64
	WriteTimeout           uint64
	IdleTimeout            uint64
	BeaconTimeout          uint64
	BeaconProposeTimeout   uint64
	BuilderBlockSimTimeout uint64
	CutOffTimeout          uint64
	ChainRefresh           uint64
	ChainStaleness         uint64
	RetentionSlots         uint64
	MaxChQueue             uint64
}

func (c auctioneerConfig) networkParams() *auctioneer.NetworkParams {
	if c.Network != "custom" {
		return nil
	}
	return &auctioneer.NetworkParams{
		GenesisForkVersion:    c.GenesisForkVersion,
		GenesisValidatorsRoot: c.GenesisValidatorsRoot,
		ForkVersionCapella:    c.CapellaForkVersion,
		ChainID:               c.ChainID,
	}
}

func loadConfig(c *cli.Context) (config auctioneerConfig) {
	config = auctioneerConfig{
		Addr:                   c.String("addr"),
		Network:                c.String("network"),
		GenesisForkVersion:     c.String("genesis-fork-version"),
		GenesisValidatorsRoot:  c.String("genesis-validators-root"),
		CapellaForkVersion:     c.String("capella-fork-version"),
		ChainID:                c.Uint64("chain-id"),
		Beacons:                c.StringSlice("beacons"),
		ExecutionURL:           c.String("execution-url"),
		BlockSimURL:            c.String("block-sim-url"),
		EnablePprof:            c.Bool("enable-pprof"),
		PprofAddr:              c.String("pprof-addr"),
		SecretKey:              c.String("secret-key"),
		DBPrefix:               c.String("db-prefix"),
		DBPth:                  c.String("db-pth"),
		PrometheusAddr:         c.String("prometheus-addr"),
		APIAddr:                c.String("api-addr"),
		ShaVersion:             c.String("sha-version"),
		LogLevel:               c.String("log-level"),
		LogJSON:                c.Bool("log-json"),
		MaxRateLimit:           c.Uint64("max-rate-limit"),
		EventsURL:              c.String("events-url"),
		ReadTimeout:            c.Uint64("read-timeout"),
		ReadHeadTimeout:        c.Uint64("read-head-timeout"),
		WriteTimeout:           c.Uint64("write-timeout"),
		IdleTimeout:            c.Uint64("idle-timeout"),
		BeaconTimeout:          c.Uint64("beacon-timeout"),
		BeaconProposeTimeout:   c.Uint64("beacon-propose-timeout"),
		BuilderBlockSimTimeout: c.Uint64("builder-block-sim-timeout"),
		CutOffTimeout:          c.Uint64("cut-off-timeout"),
		ChainRefresh:           c.Uint64("chain-refresh"),
		ChainStaleness:         c.Uint64("chain-staleness"),
		RetentionSlots:         c.Uint64("retention-slots"),
		MaxChQueue:             c.Uint64("max-ch-queue"),
	}

	return
}
