package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/veridoc/engine/internal/analytics"
	"github.com/veridoc/engine/internal/config"
	"github.com/veridoc/engine/internal/docstatus"
	"github.com/veridoc/engine/internal/ledger"
	"github.com/veridoc/engine/internal/logging"
	"github.com/veridoc/engine/internal/metadata"
	"github.com/veridoc/engine/internal/server"
	"github.com/veridoc/engine/internal/verify"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veridoc-api",
		Short: "VeriDoc credential verification engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("ledger-rpc-url", defaults.GetString("ledger.rpc_url"), "Ledger JSON-RPC endpoint")
	cmd.PersistentFlags().String("contract-address", defaults.GetString("ledger.contract_address"), "Credential contract address")
	cmd.PersistentFlags().String("metadata-gateway-url", defaults.GetString("metadata.gateway_url"), "Metadata content gateway base URL")
	cmd.PersistentFlags().Int("fetch-concurrency", defaults.GetInt("fetch.concurrency"), "Per-document lookup concurrency")
	cmd.PersistentFlags().Int("fetch-timeout-seconds", defaults.GetInt("fetch.timeout_seconds"), "Metadata fetch timeout in seconds")
	cmd.PersistentFlags().Int("poll-interval-seconds", defaults.GetInt("poll.interval_seconds"), "Ledger event poll interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "ledger.rpc_url", "ledger-rpc-url")
	bindFlag(cmd, "ledger.contract_address", "contract-address")
	bindFlag(cmd, "metadata.gateway_url", "metadata-gateway-url")
	bindFlag(cmd, "fetch.concurrency", "fetch-concurrency")
	bindFlag(cmd, "fetch.timeout_seconds", "fetch-timeout-seconds")
	bindFlag(cmd, "poll.interval_seconds", "poll-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := ethclient.DialContext(signalCtx, appConfig.LedgerRPCURL)
	if err != nil {
		return err
	}
	defer backend.Close()

	ledgerClient, err := ledger.NewClient(ledger.ClientConfig{
		Backend:         backend,
		ContractAddress: common.HexToAddress(appConfig.ContractAddress),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	fetcher, err := metadata.NewFetcher(metadata.FetcherConfig{
		GatewayURL: appConfig.MetadataGatewayURL,
		Timeout:    appConfig.FetchTimeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	reducer, err := docstatus.NewReducer(docstatus.ReducerConfig{
		Flags:       ledgerClient,
		Metadata:    fetcher,
		Concurrency: appConfig.FetchConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	evaluator, err := verify.NewEvaluator(verify.EvaluatorConfig{
		Events:   ledgerClient,
		Metadata: fetcher,
		Status:   reducer,
		Owners:   ledgerClient,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	aggregator, err := analytics.NewAggregator(analytics.AggregatorConfig{
		Events: ledgerClient,
		Status: reducer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	watcher := ledger.NewWatcher(ledger.WatcherConfig{
		Source:       ledgerClient,
		PollInterval: appConfig.PollInterval,
		Logger:       logger,
	})
	go watcher.Run(signalCtx)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:   evaluator,
		Aggregator: aggregator,
		Events:     ledgerClient,
		Totals:     ledgerClient,
		Metadata:   fetcher,
		Subscriber: watcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("contract", appConfig.ContractAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
