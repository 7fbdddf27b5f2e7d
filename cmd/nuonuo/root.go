package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	nuonuo "github.com/nuonuo-sdk/nuonuo-go"
	"github.com/nuonuo-sdk/nuonuo-go/config"
	"github.com/nuonuo-sdk/nuonuo-go/internal/observe"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app holds what the subcommands share. The client is created lazily so
// that offline commands work without credentials.
type app struct {
	configPath string
	options    []nuonuo.Option

	cfg      config.Config
	client   *nuonuo.Client
	shutdown observe.ShutdownFunc
}

func newRootCommand(opts ...nuonuo.Option) *cobra.Command {
	a := &app{options: opts}

	root := &cobra.Command{
		Use:           "nuonuo",
		Short:         "Call the Nuonuo open platform API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file (default: environment)")

	root.AddCommand(
		newExecCommand(a),
		newTokenCommand(a),
		newRefreshCommand(a),
		newSignCommand(),
		newSenidCommand(),
	)

	return root
}

func (a *app) loadConfig(ctx context.Context) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(ctx, a.configPath)
	} else {
		a.cfg, err = config.Load(ctx)
	}
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	return nil
}

// connect loads the configuration, starts telemetry and builds the client.
func (a *app) connect(ctx context.Context) (*nuonuo.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	if err := a.loadConfig(ctx); err != nil {
		return nil, err
	}

	shutdown, err := observe.Configure(ctx, a.cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	a.shutdown = shutdown

	client, err := nuonuo.New(ctx, a.cfg, a.options...)
	if err != nil {
		return nil, err
	}
	a.client = client

	return client, nil
}

// close releases the client and flushes telemetry. It is deferred by every
// command that calls connect.
func (a *app) close(ctx context.Context) {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			log.Warn().Err(err).Msg("closing client failed")
		}
		a.client = nil
	}
	if a.shutdown != nil {
		if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("telemetry: shutdown failed")
		}
		a.shutdown = nil
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
