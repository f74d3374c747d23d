package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cc-log",
	Short: "CC-Server log: collects log lines from the other processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "f", "config.toml", "path to config.toml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.InfoLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ServerLog.LogDir == "" {
		return fmt.Errorf("server_log.log_dir is required")
	}
	writer, err := log.NewRotatingWriter(cfg.ServerLog.LogDir,
		int64(cfg.ServerLog.MaxFileSizeMB)*1024*1024, !cfg.ServerLog.SuppressStdout)
	if err != nil {
		return err
	}
	defer writer.Close()

	logger := log.WithComponent("log")
	server := bus.NewServer(fmt.Sprintf("%s:%d", cfg.ServerLog.BindHost, cfg.ServerLog.BindPort),
		func(line []byte) {
			if err := writer.WriteLine(string(line)); err != nil {
				logger.Error().Err(err).Msg("log write failed")
			}
		}, log.NewTee("log"))
	if err := server.Listen(); err != nil {
		return err
	}

	logger.Info().Msg("log process started")
	server.Serve(ctx)
	logger.Info().Msg("log process stopped")
	return nil
}
