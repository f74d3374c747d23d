package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/cluster"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/engine"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/metrics"
	"github.com/curious-containers/cc-server/pkg/scheduling"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/worker"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cc-master",
	Short: "CC-Server master: schedules tasks across the container cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or replace a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		isAdmin, _ := cmd.Flags().GetBool("admin")
		return createUser(username, password, isAdmin)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "config.toml", "path to config.toml")
	userCreateCmd.Flags().String("username", "", "username")
	userCreateCmd.Flags().String("password", "", "password")
	userCreateCmd.Flags().Bool("admin", false, "grant admin rights")
	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(userCmd)
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

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	tee := newTee("master", cfg)

	storeServer := storage.NewStoreServer(store)
	if err := storeServer.Listen(cfg.Storage.BindAddr()); err != nil {
		return err
	}
	go storeServer.Serve(ctx)

	handler := state.NewHandler(store, tee, cfg.Defaults.ErrorHandling.MaxTaskTrials)

	eng := engine.NewDockerEngine(cfg.Docker.ThreadLimit, cfg.Docker.APITimeout(), cfg.Docker.Net)
	cl := cluster.NewCluster(store, eng, handler, tee, cfg)
	if err := cl.InitNodes(ctx); err != nil {
		return err
	}
	inspector := cluster.NewInspector(cl, tee, cfg)
	janitor := cluster.NewJanitor(cl, handler, tee)

	allocate, err := scheduling.AllocatorFor(cfg.Defaults.Scheduling.Strategy)
	if err != nil {
		return err
	}
	dcRAM := cfg.Defaults.DataContainerDescription.ContainerRAM
	caching := scheduling.NewCaching(store, dcRAM)
	scheduler := scheduling.NewScheduler(store, handler, cl, caching, allocate, tee, dcRAM)

	w := worker.New(store, handler, cl, scheduler, janitor, inspector, cfg, tee)

	inboxAddr := fmt.Sprintf("%s:%d", cfg.ServerMaster.BindHost, cfg.ServerMaster.BindPort)
	inbox := bus.NewMessageServer(inboxAddr, func(msg bus.Message) {
		switch msg.Action {
		case bus.ActionSchedule:
			w.PublishSchedule()
		case bus.ActionContainerCallback:
			w.ContainerCallback()
		case bus.ActionDataContainerCallback:
			w.DataContainerCallback()
		case bus.ActionUpdateNodeStatus:
			if name, ok := msg.Data["node_name"].(string); ok {
				w.PublishNodeUpdate(name)
			}
		default:
			tee(fmt.Sprintf("Unknown inbox action: %s", msg.Action))
		}
	}, tee)
	if err := inbox.Listen(); err != nil {
		return err
	}
	go inbox.Serve(ctx)

	if addr := cfg.ServerMaster.MetricsAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				tee(fmt.Sprintf("Metrics server failed: %v", err))
			}
		}()
	}

	tee("Master started.")
	w.Run(ctx)
	tee("Master stopped.")
	return nil
}

func createUser(username, password string, isAdmin bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.WarnLevel})

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	authorizer := newAuthorizer(store, cfg)
	if err := authorizer.CreateUser(username, password, isAdmin); err != nil {
		return err
	}
	fmt.Printf("User %s created.\n", username)
	return nil
}
