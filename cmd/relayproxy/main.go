package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/drossi/relayproxy/internal/emv/signer"
	"github.com/drossi/relayproxy/internal/logging"
	"github.com/drossi/relayproxy/internal/observability"
	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/server"
)

// Exit codes from the CLI contract.
const (
	exitOK          = 0
	exitUsage       = 1
	exitConfig      = 2
	exitKey         = 3
	exitBindFailure = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logging.ConfigureRuntime()
	logger := observability.InitLogger("relayproxy")

	if len(args) < 1 || args[0] != "serve" {
		fmt.Fprintln(os.Stderr, "usage: relayproxy serve --tcp-port P1 --http-port P2 --config PATH [--key PATH] [--tuning PATH]")
		return exitUsage
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	tcpPort := fs.Int("tcp-port", 8081, "TCP relay listener port")
	httpPort := fs.Int("http-port", 8080, "HTTP relay listener port")
	configPath := fs.String("config", "", "policy bootstrap JSON path")
	keyPath := fs.String("key", "", "private key PEM path (overrides the policy file)")
	tuningPath := fs.String("tuning", "", "optional server tuning TOML path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfig
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "relayproxy: --config is required")
		return exitConfig
	}

	state, err := policy.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("policy bootstrap failed")
		return exitConfig
	}
	if *keyPath != "" {
		state.PrivateKeyPath = *keyPath
	}

	sig, err := signer.Load(state.PrivateKeyPath)
	if err != nil {
		logger.Error().Err(err).Msg("private key unreadable")
		return exitKey
	}
	store := policy.NewStore(state, sig.Reload)

	cfg := server.DefaultConfig()
	if *tuningPath != "" {
		if cfg, err = loadTuning(*tuningPath, cfg); err != nil {
			logger.Error().Err(err).Msg("tuning config invalid")
			return exitConfig
		}
	}
	cfg.TCPAddr = fmt.Sprintf(":%d", *tcpPort)
	cfg.HTTPAddr = fmt.Sprintf(":%d", *httpPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, store, sig, logger)
	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, server.ErrBind) {
			logger.Error().Err(err).Msg("listener bind failed")
			return exitBindFailure
		}
		logger.Error().Err(err).Msg("server failed")
		return exitUsage
	}
	return exitOK
}
