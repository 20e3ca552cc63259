package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"dpos-node/chain"
	"dpos-node/config"
	"dpos-node/consensus"
	"dpos-node/db"
	"dpos-node/events"
	"dpos-node/handlers"
	"dpos-node/logger"
	"dpos-node/metrics"
	"dpos-node/models"
	"dpos-node/p2p"
	"dpos-node/ratelimit"
	"dpos-node/repository"
	"dpos-node/routers"
	"dpos-node/syncer"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Path to the YAML configuration file",
		Value: config.DefaultPath,
	}
	datadirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the block database (overrides leveldb.path)",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dpos-node"
	app.Usage = "Delegated proof of stake node"
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{configFlag, datadirFlag}
	app.Action = run
	app.Writer = os.Stdout

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	// Load config
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	if datadir := c.String(datadirFlag.Name); datadir != "" {
		cfg.LevelDB.Path = filepath.Join(datadir, "blocks")
	}

	if err := logger.InitLogger(cfg.Log.AppLogFile, cfg.Log.Level); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Logger.Sync()

	logger.Logger.Info("Starting DPoS node...", zap.String("version", cfg.Server.Version))

	genesis, err := config.LoadGenesis(cfg.Network.Genesis)
	if err != nil {
		logger.Logger.Fatal("Failed to load genesis block", zap.Error(err))
	}
	epoch, _ := cfg.Network.EpochTime()

	// Connect to LevelDB
	ldb, err := db.NewLevelDB(cfg.LevelDB.Path)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	dispatcher := events.NewDispatcher()
	defer dispatcher.Close()
	m := metrics.New()

	// Rebuild wallet and round state from the stored chain
	blocks := repository.NewBlockRepository(ldb)
	bc := chain.NewBlockchain(blocks, cfg.Network.Milestones, consensus.NewSlots(epoch, cfg.Network.BlockTime), dispatcher, m)
	if err := bc.Bootstrap(genesis); err != nil {
		logger.Logger.Fatal("Failed to bootstrap blockchain", zap.Error(err))
	}

	peers := p2p.NewPeerList(cfg.P2P.MaxPeers)
	client := p2p.NewHTTPClient(cfg.P2P.RequestTimeout, p2p.WithMaxResponseBytes(cfg.P2P.MaxResponseBytes))
	monitor := p2p.NewMonitor(peers, client, bc, p2p.MonitorConfig{
		MinimumNetworkReach: cfg.P2P.MinimumNetworkReach,
		PollConcurrency:     cfg.P2P.PollConcurrency,
		PollTimeout:         cfg.P2P.PollTimeout,
		Interval:            cfg.P2P.PollInterval,
	}, m)
	tracker := syncer.NewTracker(monitor.NetworkHeight, dispatcher)
	downloader := syncer.NewDownloader(bc, monitor, client, tracker, cfg.Sync)

	limiter, err := ratelimit.New(cfg.P2P.Whitelist, cfg.P2P.RateLimit)
	if err != nil {
		logger.Logger.Fatal("Failed to create rate limiter", zap.Error(err))
	}

	// Initialize HTTP handlers
	h, err := handlers.NewHandler(bc, peers, monitor, tracker, limiter, handlers.Config{
		Version:             cfg.Server.Version,
		Port:                cfg.Server.Port,
		MaxBlocksPerRequest: cfg.P2P.MaxBlocksPerRequest,
		QuorumThreshold:     cfg.Forging.QuorumThreshold,
		TransactionPoolSize: cfg.P2P.TransactionPoolSize,
	})
	if err != nil {
		logger.Logger.Fatal("Failed to create handlers", zap.Error(err))
	}

	// Setup router
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h, routers.Options{Limiter: limiter, Metrics: m})

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.Watch(gctx, dispatcher)
		return nil
	})
	g.Go(func() error {
		logRounds(gctx, dispatcher)
		return nil
	})
	g.Go(func() error {
		discover(gctx, client, peers, cfg)
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return downloader.Sync(gctx)
	})

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Warn("Server shutdown", zap.Error(err))
	}
	return g.Wait()
}

func discover(ctx context.Context, client *p2p.HTTPClient, peers *p2p.PeerList, cfg *config.Config) {
	seeds := make([]models.Peer, 0, len(cfg.P2P.Seeds))
	for _, addr := range cfg.P2P.Seeds {
		peer, err := p2p.ParsePeer(addr)
		if err != nil {
			logger.Logger.Warn("Ignoring seed", zap.String("seed", addr), zap.Error(err))
			continue
		}
		seeds = append(seeds, peer)
	}
	self := models.PeerHeader{Version: cfg.Server.Version, Port: cfg.Server.Port}
	if _, err := p2p.Discover(ctx, client, peers, seeds, self); err != nil {
		logger.Logger.Warn("Peer discovery failed", zap.Error(err))
	}
}

func logRounds(ctx context.Context, d *events.Dispatcher) {
	ch := make(chan events.RoundChanged, 16)
	sub := d.SubscribeRoundChanged(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-ch:
			logger.Logger.Info("Round changed",
				zap.Uint64("round", ev.Round),
				zap.Uint64("roundHeight", ev.RoundHeight),
				zap.Strings("delegates", ev.Delegates),
				zap.Bool("reverted", ev.Reverted),
			)
		case <-ctx.Done():
			return
		}
	}
}
