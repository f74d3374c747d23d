package main

import (
	"fmt"

	"github.com/curious-containers/cc-server/pkg/auth"
	"github.com/curious-containers/cc-server/pkg/bus"
	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/storage"
)

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

func newAuthorizer(store storage.Store, cfg *config.Config) *auth.Authorizer {
	return auth.NewAuthorizer(store, cfg.Defaults.Authorization, log.Discard)
}
