package main

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chatstream-io/chatstream/pkg/chatstore"
	"github.com/chatstream-io/chatstream/pkg/config"
	"github.com/chatstream-io/chatstream/pkg/server"
)

var (
	configPath string
	logLevel   string
	addr       string
)

var rootCmd = &cobra.Command{
	Use:   "chatstream",
	Short: "Resumable AI chat streaming server",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrapf(err, "invalid log level %q", logLevel)
			}
			zerolog.SetGlobalLevel(lvl)
		}
		if isatty.IsTerminal(os.Stderr.Fd()) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat streaming server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if logLevel == "" && cfg.Server.LogLevel != "" {
			if lvl, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
		}

		store, err := openStore(cfg.Store)
		if err != nil {
			return err
		}

		ctx := context.Background()
		srv, err := server.New(ctx, cfg, store)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

func openStore(cfg config.Store) (chatstore.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return chatstore.NewSQLiteStore(cfg.DSN)
	case "memory":
		return chatstore.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config yaml")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address override")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
