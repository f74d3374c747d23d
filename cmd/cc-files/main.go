package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/files"
	"github.com/curious-containers/cc-server/pkg/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cc-files",
	Short: "CC-Server files: serves input files and stores results",
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

	tee := newTee("files", cfg)

	server, err := files.NewServer(cfg.ServerFiles, tee)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerFiles.BindHost, cfg.ServerFiles.BindPort),
		Handler: server.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	tee(fmt.Sprintf("Files started on %s.", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	tee("Files stopped.")
	return nil
}

// newTee builds the component tee, forwarding every line to the log process
// when one is configured.
func newTee(component string, cfg *config.Config) log.Tee {
	addr := cfg.ServerLog.ExternalURL
	if addr == "" && cfg.ServerLog.BindPort != 0 {
		addr = fmt.Sprintf("%s:%d", cfg.ServerLog.BindHost, cfg.ServerLog.BindPort)
	}
	if addr == "" {
		return log.NewTee(component)
	}
	client := bus.NewClient(addr)
	return log.NewTee(component, func(line string) {
		_ = client.PushLine([]byte(line))
	})
}
