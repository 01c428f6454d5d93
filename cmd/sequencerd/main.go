package main

// sequencerd is the long-running Zelana sequencer process: it wires
// together storage, account and shielded state, the batch manager and
// pipeline, the deposit indexer, and the HTTP/WS API behind cobra
// subcommands.

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/curve25519"

	"zelana/core"
	"zelana/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "sequencerd", Short: "Zelana L2 sequencer"}
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(resumeCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the sequencer: API, batch pipeline, and deposit indexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resume)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", true, "log the account-tree state root restored from data_dir at startup")
	return cmd
}

// resumeCmd hits a running sequencer's admin surface to clear a
// settlement pause, the explicit operator action required after
// exhausting settlement retries.
func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "clear a settlement pause on a running sequencer via its admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			url := fmt.Sprintf("http://127.0.0.1:%d/admin/resume", cfg.IngestPort)
			resp, err := http.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("resume request: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("resume request returned status %d", resp.StatusCode)
			}
			fmt.Println("pipeline resumed")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print the on-disk batch/account/shielded summary without starting the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func toCoreConfig(c *config.Config) core.Config {
	return core.Config{
		MaxTransactions:         c.MaxTransactions,
		MaxShielded:             c.MaxShielded,
		MaxBatchAgeSecs:         c.MaxBatchAgeSecs,
		MinTransactions:         c.MinTransactions,
		SettlementMaxRetries:    c.SettlementMaxRetries,
		SettlementBackoffBaseMs: c.SettlementBackoffBaseMs,
		IngestPort:              c.IngestPort,
		DataDir:                 c.DataDir,
		ChainID:                 c.ChainID,
		DevMode:                 c.DevMode,
		ProverURL:               c.ProverURL,
		SettlerURL:              c.SettlerURL,
		L1WSURL:                 c.L1WSURL,
		BridgeProgramID:         c.BridgeProgramID,
	}
}

func configureLogging(c *config.Config) {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	if c.Logging.File != "" {
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logrus.SetOutput(f)
		} else {
			logrus.WithError(err).Warn("failed to open log file, logging to stderr")
		}
	}
}

func runServe(resume bool) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogging(cfg)
	log := logrus.WithField("component", "sequencerd")

	coreCfg := toCoreConfig(cfg)

	if err := os.MkdirAll(coreCfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := core.OpenStorage(coreCfg.DataDir + "/zelana.db")
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	accountTree, err := core.LoadAccountTree(store)
	if err != nil {
		return fmt.Errorf("load account tree: %w", err)
	}
	shielded, err := core.LoadShieldedState(store)
	if err != nil {
		return fmt.Errorf("load shielded state: %w", err)
	}
	if resume {
		root, _ := accountTree.Root()
		log.WithField("state_root", root.Hex()).Info("resumed account tree from disk")
	}

	bm, err := core.NewBatchManager(store, accountTree, shielded, coreCfg)
	if err != nil {
		return fmt.Errorf("init batch manager: %w", err)
	}

	var prover core.ProverClient
	var settler core.SettlementClient
	if coreCfg.DevMode {
		prover = core.NewMockProverClient()
		settler = core.NewMockSettlementClient()
		log.Warn("dev_mode enabled: using mock prover and settlement clients")
	} else {
		prover = core.NewHTTPProverClient(coreCfg.ProverURL)
		settler = core.NewHTTPSettlementClient(coreCfg.SettlerURL)
	}

	pipeline := core.NewPipeline(store, accountTree, shielded, bm, coreCfg, prover, settler)

	var recipientPriv [32]byte
	if _, err := rand.Read(recipientPriv[:]); err != nil {
		return fmt.Errorf("generate sequencer keypair: %w", err)
	}
	var recipientPub [32]byte
	curve25519.ScalarBaseMult(&recipientPub, &recipientPriv)
	log.WithField("envelope_pubkey", core.Hash32(recipientPub).Hex()).Info("sequencer envelope key ready")

	server := core.NewServer(store, accountTree, shielded, bm, pipeline, recipientPriv)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", coreCfg.IngestPort),
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if coreCfg.L1WSURL != "" {
		source := core.NewWebsocketL1LogSource(coreCfg.L1WSURL)
		indexer := core.NewDepositIndexer(store, source, pipeline.Admit)
		go func() {
			if err := indexer.Run(ctx); err != nil {
				log.WithError(err).Error("deposit indexer stopped")
			}
		}()
	}

	go func() {
		if err := pipeline.Run(ctx); err != nil {
			log.WithError(err).Error("pipeline stopped")
		}
	}()

	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown")
	}
	cancel()
	time.Sleep(200 * time.Millisecond) // let pipeline's own 10s drain wait start before process exit
	return nil
}

func runStatus() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	coreCfg := toCoreConfig(cfg)

	store, err := core.OpenStorage(coreCfg.DataDir + "/zelana.db")
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	accountTree, err := core.LoadAccountTree(store)
	if err != nil {
		return fmt.Errorf("load account tree: %w", err)
	}
	shielded, err := core.LoadShieldedState(store)
	if err != nil {
		return fmt.Errorf("load shielded state: %w", err)
	}
	root, err := accountTree.Root()
	if err != nil {
		return fmt.Errorf("compute state root: %w", err)
	}
	stats := shielded.Stats()

	fmt.Printf("state_root:     %s\n", root.Hex())
	fmt.Printf("shielded_root:  %s\n", stats.Root)
	fmt.Printf("nullifiers:     %d\n", stats.NullifierCount)
	fmt.Printf("commitments:    %d\n", stats.CommitmentCount)

	batches, err := store.ListBatches(0, 10)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}
	fmt.Printf("recent batches:\n")
	for _, b := range batches {
		fmt.Printf("  #%d status=%s tx_count=%d\n", b.BatchID, b.Status, b.TxCount)
	}
	return nil
}
