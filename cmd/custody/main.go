package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fox-one/custody"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var cfg struct {
	dbPath         string
	port           int
	capUSD         string
	ceilingUSD     string
	nativeOracle   string
	nativeDecimals uint
	feedURL        string
	feedTimeout    time.Duration
	admin          string
	secret         string
	custody        string
}

func init() {
	flag.StringVar(&cfg.dbPath, "db", "custody.db", "database path")
	flag.IntVar(&cfg.port, "port", 8080, "http port")
	flag.StringVar(&cfg.capUSD, "cap", "1000000", "aggregate valuation cap in USD")
	flag.StringVar(&cfg.ceilingUSD, "ceiling", "10000", "per-withdrawal ceiling in USD")
	flag.StringVar(&cfg.nativeOracle, "native-oracle", "eth-usd", "price feed reference of the native asset")
	flag.UintVar(&cfg.nativeDecimals, "native-decimals", 18, "decimals of the native asset")
	flag.StringVar(&cfg.feedURL, "feed", "http://127.0.0.1:7070", "price feed base url")
	flag.DurationVar(&cfg.feedTimeout, "feed-timeout", 5*time.Second, "price feed request timeout")
	flag.StringVar(&cfg.admin, "admin", "", "admin identity")
	flag.StringVar(&cfg.secret, "secret", "", "jwt hmac secret")
	flag.StringVar(&cfg.custody, "custody", "custody", "wallet of the custody account")

	flag.Parse()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	if cfg.nativeDecimals > 255 {
		slog.Error("native decimals out of range", "decimals", cfg.nativeDecimals)
		return
	}

	capUSD, err := custody.ParseUSD(cfg.capUSD)
	if err != nil {
		slog.Error("parse cap failed", slog.Any("err", err))
		return
	}

	ceilingUSD, err := custody.ParseUSD(cfg.ceilingUSD)
	if err != nil {
		slog.Error("parse ceiling failed", slog.Any("err", err))
		return
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.dbPath))
	if err != nil {
		slog.Error("open db failed", slog.Any("err", err))
		return
	}
	defer db.Close()

	journal := custody.NewJournal(db)
	wallets := custody.NewWallets(cfg.custody)

	bank, err := custody.New(custody.Config{
		Admin:                cfg.admin,
		CapUSD:               capUSD,
		WithdrawalCeilingUSD: ceilingUSD,
		NativeOracle:         cfg.nativeOracle,
		NativeDecimals:       uint8(cfg.nativeDecimals),
	}, custody.NewHTTPFeed(cfg.feedURL, cfg.feedTimeout), wallets, journal)
	if err != nil {
		slog.Error("init bank failed", slog.Any("err", err))
		return
	}

	wallets.OnReceive(bank.Receive)

	if _, err := journal.Replay(bank); err != nil {
		slog.Error("replay journal failed", slog.Any("err", err))
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if err := custody.RegisterMetrics(reg); err != nil {
		slog.Error("register metrics failed", slog.Any("err", err))
		return
	}

	slog.Info("custody launch", "ver", "0.01", "admin", cfg.admin)

	svr := custody.NewServer(bank, wallets, journal, reg, custody.ServerConfig{
		Secret: []byte(cfg.secret),
	})

	s := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.port),
		Handler: svr.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http listen", slog.String("addr", s.Addr))
		return s.ListenAndServe()
	})

	g.Go(func() error {
		<-ctx.Done()

		return s.Shutdown(context.Background())
	})

	g.Go(func() error {
		return runGC(ctx, db, time.Minute)
	})

	_ = g.Wait()
}

func runGC(ctx context.Context, db *badger.DB, dur time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dur):
			_ = db.RunValueLogGC(0.7)
		}
	}
}
