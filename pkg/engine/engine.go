package engine

import (
	"context"

	"github.com/curious-containers/cc-server/pkg/types"
)

// ContainerInfo summarizes one engine container for reconciliation.
type ContainerInfo struct {
	Name        string
	Node        string
	Description string
	ExitStatus  *int
}

// Engine is the per-node container API used by the master. Implementations
// must be safe for concurrent use.
type Engine interface {
	AddNode(name string, cfg *types.NodeConfig) error
	RemoveNode(name string)
	Nodes() []string
	HasNode(name string) bool

	// Info reports total RAM in MiB and the CPU count of a node.
	Info(ctx context.Context, node string) (ramMiB int64, cpus int, err error)

	Pull(ctx context.Context, node, image string, auth *types.RegistryAuth) error
	Create(ctx context.Context, node, name, image string, cmd []string, ramMiB int64, securityOpt []string) error
	Start(ctx context.Context, node, name string) error
	Wait(ctx context.Context, node, name string) (int, error)
	Logs(ctx context.Context, node, name string) (string, error)
	Remove(ctx context.Context, node, name string) error
	ContainerIP(ctx context.Context, node, name string) (string, error)
	ConnectToNetwork(ctx context.Context, node, name string) error

	// ListContainers lists all containers on all registered nodes, keyed by
	// container name.
	ListContainers(ctx context.Context) (map[string]ContainerInfo, error)
}
