package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/types"
)

var exitStatusRe = regexp.MustCompile(`^Exited \((-?\d+)\)`)

// DockerEngine talks to the docker API of every cluster node. All calls pass
// through a shared weighted semaphore so the master never opens more than
// thread_limit engine connections at once.
type DockerEngine struct {
	timeout time.Duration
	net     string
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client.Client
}

// NewDockerEngine creates an engine adapter with no nodes registered.
func NewDockerEngine(threadLimit int64, apiTimeout time.Duration, net string) *DockerEngine {
	return &DockerEngine{
		timeout: apiTimeout,
		net:     net,
		sem:     semaphore.NewWeighted(threadLimit),
		logger:  log.WithComponent("engine"),
		clients: make(map[string]*client.Client),
	}
}

// AddNode builds and registers a client for the node. Replaces any existing
// client under the same name.
func (e *DockerEngine) AddNode(name string, cfg *types.NodeConfig) error {
	opts := []client.Opt{
		client.WithHost(cfg.BaseURL),
		client.WithAPIVersionNegotiation(),
		client.WithTimeout(e.timeout),
	}
	if cfg.TLS != nil {
		tlsc, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   cfg.TLS.CACert,
			CertFile: cfg.TLS.ClientCert,
			KeyFile:  cfg.TLS.ClientKey,
		})
		if err != nil {
			return fmt.Errorf("tls config for node %s: %w", name, err)
		}
		opts = append(opts, client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsc},
			Timeout:   e.timeout,
		}))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client for node %s: %w", name, err)
	}

	e.mu.Lock()
	e.clients[name] = cli
	e.mu.Unlock()
	return nil
}

// RemoveNode drops the node's client. Safe to call for unknown nodes.
func (e *DockerEngine) RemoveNode(name string) {
	e.mu.Lock()
	delete(e.clients, name)
	e.mu.Unlock()
}

// Nodes returns the registered node names, sorted.
func (e *DockerEngine) Nodes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.clients))
	for name := range e.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasNode reports whether a client is registered for the node.
func (e *DockerEngine) HasNode(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.clients[name]
	return ok
}

func (e *DockerEngine) clientFor(node string) (*client.Client, error) {
	e.mu.RLock()
	cli, ok := e.clients[node]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no client for node %s", node)
	}
	return cli, nil
}

func (e *DockerEngine) acquire(ctx context.Context) (func(), error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { e.sem.Release(1) }, nil
}

// Info reports the node's total RAM in MiB and its CPU count.
func (e *DockerEngine) Info(ctx context.Context, node string) (int64, int, error) {
	cli, err := e.clientFor(node)
	if err != nil {
		return 0, 0, err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer release()

	info, err := cli.Info(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("info on node %s: %w", node, err)
	}
	return info.MemTotal / (1024 * 1024), info.NCPU, nil
}

// Pull fetches an image on the node, streaming progress. Any progress line
// containing "error" fails the pull.
func (e *DockerEngine) Pull(ctx context.Context, node, img string, auth *types.RegistryAuth) error {
	cli, err := e.clientFor(node)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	opts := image.PullOptions{}
	if auth != nil {
		encoded, err := encodeRegistryAuth(auth)
		if err != nil {
			return err
		}
		opts.RegistryAuth = encoded
	}

	stream, err := cli.ImagePull(ctx, img, opts)
	if err != nil {
		return fmt.Errorf("pull %s on node %s: %w", img, node, err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(strings.ToLower(line), "error") {
			return fmt.Errorf("pull %s on node %s: %s", img, node, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull %s on node %s: %w", img, node, err)
	}
	return nil
}

func encodeRegistryAuth(auth *types.RegistryAuth) (string, error) {
	raw, err := json.Marshal(registry.AuthConfig{
		Username: auth.Username,
		Password: auth.Password,
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Create creates a container with memory and swap both limited to ramMiB, so
// the container cannot page its way past its reservation.
func (e *DockerEngine) Create(ctx context.Context, node, name, img string, cmd []string, ramMiB int64, securityOpt []string) error {
	cli, err := e.clientFor(node)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	ramBytes := ramMiB * 1024 * 1024
	_, err = cli.ContainerCreate(ctx,
		&container.Config{
			Image: img,
			Cmd:   cmd,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:     ramBytes,
				MemorySwap: ramBytes,
			},
			SecurityOpt: securityOpt,
		},
		nil, nil, name)
	if err != nil {
		return fmt.Errorf("create %s on node %s: %w", name, node, err)
	}
	return nil
}

// Start starts the named container.
func (e *DockerEngine) Start(ctx context.Context, node, name string) error {
	cli, err := e.clientFor(node)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s on node %s: %w", name, node, err)
	}
	return nil
}

// Wait blocks until the container stops and returns its exit status.
func (e *DockerEngine) Wait(ctx context.Context, node, name string) (int, error) {
	cli, err := e.clientFor(node)
	if err != nil {
		return 0, err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	waitCh, errCh := cli.ContainerWait(ctx, name, container.WaitConditionNotRunning)
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return int(result.StatusCode), fmt.Errorf("wait %s on node %s: %s", name, node, result.Error.Message)
		}
		return int(result.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("wait %s on node %s: %w", name, node, err)
	}
}

// Logs returns the container's combined stdout and stderr.
func (e *DockerEngine) Logs(ctx context.Context, node, name string) (string, error) {
	cli, err := e.clientFor(node)
	if err != nil {
		return "", err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	stream, err := cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("logs %s on node %s: %w", name, node, err)
	}
	defer stream.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, stream); err != nil {
		return "", fmt.Errorf("logs %s on node %s: %w", name, node, err)
	}
	return buf.String(), nil
}

// Remove kills and removes the container. Not-found errors are swallowed so
// the operation is idempotent.
func (e *DockerEngine) Remove(ctx context.Context, node, name string) error {
	cli, err := e.clientFor(node)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := cli.ContainerKill(ctx, name, "KILL"); err != nil && !errdefs.IsNotFound(err) {
		e.logger.Debug().Str("node", node).Str("container", name).Err(err).Msg("kill before remove failed")
	}
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove %s on node %s: %w", name, node, err)
	}
	return nil
}

// ContainerIP returns the container's address on the configured overlay
// network, falling back to the bridge network.
func (e *DockerEngine) ContainerIP(ctx context.Context, node, name string) (string, error) {
	cli, err := e.clientFor(node)
	if err != nil {
		return "", err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	inspect, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("inspect %s on node %s: %w", name, node, err)
	}
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("inspect %s on node %s: no network settings", name, node)
	}

	if e.net != "" {
		if netInfo, ok := inspect.NetworkSettings.Networks[e.net]; ok && netInfo.IPAddress != "" {
			return netInfo.IPAddress, nil
		}
		// On an overlay network containers resolve each other by name.
		return name, nil
	}
	if bridge, ok := inspect.NetworkSettings.Networks["bridge"]; ok && bridge.IPAddress != "" {
		return bridge.IPAddress, nil
	}
	return "", fmt.Errorf("inspect %s on node %s: no ip address", name, node)
}

// ConnectToNetwork attaches the container to the configured overlay network.
// A no-op when no network is configured.
func (e *DockerEngine) ConnectToNetwork(ctx context.Context, node, name string) error {
	if e.net == "" {
		return nil
	}
	cli, err := e.clientFor(node)
	if err != nil {
		return err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := cli.NetworkConnect(ctx, e.net, name, nil); err != nil {
		return fmt.Errorf("connect %s to network %s on node %s: %w", name, e.net, node, err)
	}
	return nil
}

// ListContainers lists all containers across all registered nodes in
// parallel. A node that fails to answer is skipped; its containers are simply
// absent from the result.
func (e *DockerEngine) ListContainers(ctx context.Context) (map[string]ContainerInfo, error) {
	nodes := e.Nodes()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]ContainerInfo)
	)
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			infos, err := e.listOnNode(ctx, node)
			if err != nil {
				e.logger.Warn().Str("node", node).Err(err).Msg("container list failed")
				return
			}
			mu.Lock()
			for name, info := range infos {
				out[name] = info
			}
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	return out, nil
}

func (e *DockerEngine) listOnNode(ctx context.Context, node string) (map[string]ContainerInfo, error) {
	cli, err := e.clientFor(node)
	if err != nil {
		return nil, err
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}

	out := make(map[string]ContainerInfo, len(containers))
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}
		name := strings.TrimPrefix(c.Names[0], "/")
		info := ContainerInfo{
			Name:        name,
			Node:        node,
			Description: c.Status,
		}
		if m := exitStatusRe.FindStringSubmatch(c.Status); m != nil {
			if code, err := strconv.Atoi(m[1]); err == nil {
				info.ExitStatus = &code
			}
		}
		out[name] = info
	}
	return out, nil
}
