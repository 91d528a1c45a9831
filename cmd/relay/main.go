// The relay command runs the Hedera JSON-RPC relay: an Ethereum-compatible
// JSON-RPC server backed by a Hedera consensus node and a mirror node.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/internal/ethapi"
	"github.com/hashgraph/hedera-evm-relay/ratelimit"
	"github.com/hashgraph/hedera-evm-relay/relay"
)

const clientIdentifier = "hedera-evm-relay"

// Set via linker flags at release time.
var (
	gitCommit = ""
	version   = "0.1.0"
)

func clientVersion() string {
	v := version
	if gitCommit != "" {
		v += "-" + gitCommit[:8]
	}
	return fmt.Sprintf("relay/%s/%s-%s/%s", v, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

var (
	portFlag = &cli.IntFlag{
		Name:    "http.port",
		Usage:   "JSON-RPC listen port",
		EnvVars: []string{"SERVER_PORT"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	versionCommand = &cli.Command{
		Action:    printVersion,
		Name:      "version",
		Usage:     "Print version numbers",
		ArgsUsage: " ",
	}
)

func main() {
	app := &cli.App{
		Name:   clientIdentifier,
		Usage:  "Ethereum JSON-RPC relay for the Hedera network",
		Action: run,
		Flags:  []cli.Flag{portFlag, verbosityFlag},
		Commands: []*cli.Command{
			versionCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printVersion(ctx *cli.Context) error {
	fmt.Println(clientIdentifier)
	fmt.Println("Version:", version)
	if gitCommit != "" {
		fmt.Println("Git Commit:", gitCommit)
	}
	fmt.Println("Architecture:", runtime.GOARCH)
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("Operating System:", runtime.GOOS)
	return nil
}

// limiterStore selects the IP limiter's backing store per IP_RATE_LIMIT_STORE:
// REDIS shares the relay's store so windows hold across instances, anything
// else keeps a dedicated in-process window.
func limiterStore(cfg *config.Config, shared cache.Client, logger log.Logger) cache.Client {
	if cfg.IPRateLimitStore == "REDIS" {
		return shared
	}
	return cache.NewLRUCache(10_000, cfg.RateLimitDuration, logger)
}

func run(ctx *cli.Context) error {
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), true)
	log.SetDefault(log.NewLogger(handler))
	logger := log.Root()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if port := ctx.Int(portFlag.Name); port != 0 {
		cfg.RPCPort = port
	}

	r, err := relay.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("relay startup failed: %w", err)
	}

	limiter := ratelimit.NewLimiter(limiterStore(cfg, r.Cache, logger), cfg.RateLimitDuration, cfg.DefaultRateLimit, nil, cfg.RateLimitDisabled, logger)
	backend := ethapi.NewBackend(r, limiter, clientVersion(), logger)
	server, err := ethapi.NewServer(backend)
	if err != nil {
		return fmt.Errorf("rpc registration failed: %w", err)
	}
	defer server.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", ethapi.WithRequestDetails(server))
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		if probed, ok := r.Cache.(*cache.FallbackCache); ok && !probed.PrimaryConnected() {
			http.Error(w, "shared store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.RPCPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		logger.Info("JSON-RPC server listening",
			"addr", httpServer.Addr, "chainId", cfg.ChainID, "network", cfg.HederaNetwork)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-stop.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
