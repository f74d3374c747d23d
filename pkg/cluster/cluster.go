package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/curious-containers/cc-server/pkg/config"
	"github.com/curious-containers/cc-server/pkg/engine"
	"github.com/curious-containers/cc-server/pkg/log"
	"github.com/curious-containers/cc-server/pkg/state"
	"github.com/curious-containers/cc-server/pkg/storage"
	"github.com/curious-containers/cc-server/pkg/types"
)

// Cluster binds the engine adapter to the document store: it discovers nodes,
// creates and starts the containers the scheduler placed, and keeps node
// documents in sync with reality.
type Cluster struct {
	store   storage.Store
	eng     engine.Engine
	handler *state.Handler
	tee     log.Tee
	cfg     *config.Config
}

// NewCluster creates a cluster facade.
func NewCluster(store storage.Store, eng engine.Engine, handler *state.Handler, tee log.Tee, cfg *config.Config) *Cluster {
	return &Cluster{store: store, eng: eng, handler: handler, tee: tee, cfg: cfg}
}

// Engine exposes the underlying engine adapter.
func (c *Cluster) Engine() engine.Engine {
	return c.eng
}

// InitNodes discovers nodes from the machine directory and the explicit node
// map, registers an engine client per node and upserts a node document with
// the node's capacity. Nodes that do not answer are recorded offline.
func (c *Cluster) InitNodes(ctx context.Context) error {
	configs, err := c.nodeConfigs()
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return fmt.Errorf("no cluster nodes configured")
	}

	for name, nc := range configs {
		c.registerNode(ctx, name, nc)
	}
	return nil
}

func (c *Cluster) registerNode(ctx context.Context, name string, nc *types.NodeConfig) {
	doc := storage.Doc{
		"cluster_node": name,
		"is_online":    false,
	}
	cfgDoc, err := storage.Encode(nc)
	if err == nil {
		doc["config"] = cfgDoc
	}

	if err := c.eng.AddNode(name, nc); err != nil {
		doc["debug_info"] = err.Error()
		c.tee(fmt.Sprintf("Node %s offline: %v", name, err))
		_ = c.store.Upsert(types.CollectionNodes, storage.Doc{"cluster_node": name}, doc)
		return
	}

	ram, cpus, err := c.eng.Info(ctx, name)
	if err != nil {
		doc["debug_info"] = err.Error()
		c.tee(fmt.Sprintf("Node %s offline: %v", name, err))
		_ = c.store.Upsert(types.CollectionNodes, storage.Doc{"cluster_node": name}, doc)
		return
	}

	doc["is_online"] = true
	doc["total_ram"] = ram
	doc["total_cpus"] = cpus
	doc["debug_info"] = ""
	_ = c.store.Upsert(types.CollectionNodes, storage.Doc{"cluster_node": name}, doc)
	c.tee(fmt.Sprintf("Node %s online: %d MiB RAM, %d CPUs", name, ram, cpus))
}

// nodeConfigs merges the docker-machine directory with the explicit node map.
// Explicit entries win on name collisions.
func (c *Cluster) nodeConfigs() (map[string]*types.NodeConfig, error) {
	configs := make(map[string]*types.NodeConfig)

	if dir := c.cfg.Docker.MachineDir; dir != "" {
		machines := filepath.Join(dir, "machines")
		entries, err := os.ReadDir(machines)
		if err != nil {
			return nil, fmt.Errorf("machine dir: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			nc, err := machineConfig(filepath.Join(machines, name), name)
			if err != nil {
				c.tee(fmt.Sprintf("Skipping machine %s: %v", name, err))
				continue
			}
			configs[name] = nc
		}
	}

	for name, nc := range c.cfg.Docker.Nodes {
		configs[name] = nc
	}
	return configs, nil
}

// machineConfig reads one docker-machine descriptor directory.
func machineConfig(dir, name string) (*types.NodeConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	var machine struct {
		Driver struct {
			IPAddress string `json:"IPAddress"`
		} `json:"Driver"`
	}
	if err := json.Unmarshal(raw, &machine); err != nil {
		return nil, err
	}
	if machine.Driver.IPAddress == "" {
		return nil, fmt.Errorf("machine %s has no ip address", name)
	}
	return &types.NodeConfig{
		BaseURL: fmt.Sprintf("tcp://%s:2376", machine.Driver.IPAddress),
		TLS: &types.NodeTLSConfig{
			CACert:     filepath.Join(dir, "ca.pem"),
			ClientCert: filepath.Join(dir, "cert.pem"),
			ClientKey:  filepath.Join(dir, "key.pem"),
		},
	}, nil
}

// OnlineNodes returns node documents currently marked online.
func (c *Cluster) OnlineNodes() ([]types.Node, error) {
	docs, err := c.store.Find(types.CollectionNodes, storage.Doc{"is_online": true})
	if err != nil {
		return nil, err
	}
	nodes := make([]types.Node, 0, len(docs))
	for _, doc := range docs {
		var n types.Node
		if err := storage.Decode(doc, &n); err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// NodeConfigFor returns the stored engine config of a node.
func (c *Cluster) NodeConfigFor(name string) (*types.NodeConfig, error) {
	doc, err := c.store.FindOne(types.CollectionNodes, storage.Doc{"cluster_node": name})
	if err != nil {
		return nil, err
	}
	raw, ok := doc["config"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("node %s has no stored config", name)
	}
	var nc types.NodeConfig
	if err := storage.Decode(raw, &nc); err != nil {
		return nil, err
	}
	return &nc, nil
}

// containerSettings is the JSON blob handed to the in-container worker as its
// single command line argument.
type containerSettings struct {
	ContainerID string `json:"container_id"`
	CallbackKey string `json:"callback_key"`
	CallbackURL string `json:"callback_url"`
}

func (c *Cluster) callbackURL(collection string) string {
	base := c.cfg.ServerWeb.ExternalURL
	switch collection {
	case types.CollectionApplicationContainers:
		return base + "/application-containers/callback"
	case types.CollectionDataContainers:
		return base + "/data-containers/callback"
	}
	return base
}

// CreateApplicationContainer creates the engine container for an application
// container document and advances it to waiting. Creation failures transition
// the document to failed.
func (c *Cluster) CreateApplicationContainer(ctx context.Context, id string) error {
	doc, err := c.store.Get(types.CollectionApplicationContainers, id)
	if err != nil {
		return err
	}
	taskID, _ := doc["task_id"].(string)
	task, err := c.store.Get(types.CollectionTasks, taskID)
	if err != nil {
		return err
	}

	var description types.ApplicationContainerDescription
	if raw, ok := task["application_container_description"].(map[string]interface{}); ok {
		if err := storage.Decode(raw, &description); err != nil {
			return err
		}
	}

	entryPoint := description.EntryPoint
	if entryPoint == "" {
		entryPoint = c.cfg.Defaults.ApplicationContainerDescription.EntryPoint
	}

	node, _ := doc["cluster_node"].(string)
	callbackKey, _ := doc["callback_key"].(string)
	ram := int64(docFloat(doc, "container_ram"))

	var securityOpt []string
	if description.Sandbox != nil {
		if seccomp, _ := description.Sandbox["seccomp"].(string); seccomp == "unconfined" {
			securityOpt = []string{"seccomp:unconfined"}
		}
	}

	cmd, err := workerCommand(entryPoint, containerSettings{
		ContainerID: id,
		CallbackKey: callbackKey,
		CallbackURL: c.callbackURL(types.CollectionApplicationContainers),
	})
	if err != nil {
		return err
	}

	if err := c.eng.Create(ctx, node, id, description.Image, cmd, ram, securityOpt); err != nil {
		return c.handler.Transition(types.CollectionApplicationContainers, id, types.StateFailed,
			"Container creation failed.", err.Error())
	}
	if err := c.eng.ConnectToNetwork(ctx, node, id); err != nil {
		c.tee(fmt.Sprintf("Network connect failed for %s: %v", id, err))
	}
	return c.handler.Transition(types.CollectionApplicationContainers, id, types.StateWaiting,
		"Container waiting.", "")
}

// CreateDataContainer creates the engine container serving a data container
// document and advances it to waiting.
func (c *Cluster) CreateDataContainer(ctx context.Context, id string) error {
	doc, err := c.store.Get(types.CollectionDataContainers, id)
	if err != nil {
		return err
	}

	dcd := c.cfg.Defaults.DataContainerDescription
	node, _ := doc["cluster_node"].(string)
	callbackKey, _ := doc["callback_key"].(string)
	ram := int64(docFloat(doc, "container_ram"))

	cmd, err := workerCommand(dcd.EntryPoint, containerSettings{
		ContainerID: id,
		CallbackKey: callbackKey,
		CallbackURL: c.callbackURL(types.CollectionDataContainers),
	})
	if err != nil {
		return err
	}

	if err := c.eng.Create(ctx, node, id, dcd.Image, cmd, ram, nil); err != nil {
		return c.handler.Transition(types.CollectionDataContainers, id, types.StateFailed,
			"Container creation failed.", err.Error())
	}
	if err := c.eng.ConnectToNetwork(ctx, node, id); err != nil {
		c.tee(fmt.Sprintf("Network connect failed for %s: %v", id, err))
	}
	return c.handler.Transition(types.CollectionDataContainers, id, types.StateWaiting,
		"Container waiting.", "")
}

// StartContainer starts an engine container, reads its address and persists
// it on the document. A start failure transitions the document to failed.
func (c *Cluster) StartContainer(ctx context.Context, collection, id string) error {
	doc, err := c.store.Get(collection, id)
	if err != nil {
		return err
	}
	node, _ := doc["cluster_node"].(string)

	if err := c.eng.Start(ctx, node, id); err != nil {
		return c.handler.Transition(collection, id, types.StateFailed,
			"Container start failed.", err.Error())
	}

	ip, err := c.eng.ContainerIP(ctx, node, id)
	if err != nil {
		return c.handler.Transition(collection, id, types.StateFailed,
			"Container start failed.", err.Error())
	}
	return c.store.Update(collection, id, storage.Doc{"ip": ip})
}

// RemoveContainer removes an engine container by document id, resolving the
// node from the document. Unknown documents are ignored.
func (c *Cluster) RemoveContainer(ctx context.Context, collection, id string) error {
	doc, err := c.store.Get(collection, id)
	if err != nil {
		return nil
	}
	node, _ := doc["cluster_node"].(string)
	if node == "" || !c.eng.HasNode(node) {
		return nil
	}
	return c.eng.Remove(ctx, node, id)
}

func workerCommand(entryPoint string, settings containerSettings) ([]string, error) {
	if entryPoint == "" {
		return nil, fmt.Errorf("container description without entry point")
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return []string{entryPoint, string(raw)}, nil
}

func docFloat(doc storage.Doc, field string) float64 {
	f, _ := doc[field].(float64)
	return f
}
