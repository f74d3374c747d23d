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

	"github.com/curious-containers/cc-server/pkg/auth"
	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/web"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cc-web",
	Short: "CC-Server web: the user-facing HTTP API",
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

	tee := newTee("web", cfg)

	store := storage.NewRemoteStore(cfg.Storage.ExternalAddr)
	defer store.Close()

	handler := state.NewHandler(store, tee, cfg.Defaults.ErrorHandling.MaxTaskTrials)
	authorizer := auth.NewAuthorizer(store, cfg.Defaults.Authorization, tee)

	masterAddr := cfg.ServerMaster.ExternalURL
	if masterAddr == "" {
		masterAddr = fmt.Sprintf("%s:%d", cfg.ServerMaster.BindHost, cfg.ServerMaster.BindPort)
	}
	master := bus.NewClient(masterAddr)
	defer master.Close()

	server := web.NewServer(store, authorizer, handler, cfg, master, tee)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.ServerWeb.BindHost, cfg.ServerWeb.BindPort),
		Handler: server.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	tee(fmt.Sprintf("Web started on %s.", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	tee("Web stopped.")
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
