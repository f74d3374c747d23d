package types

// Collection names of the document store.
const (
	CollectionTasks                 = "tasks"
	CollectionTaskGroups            = "task_groups"
	CollectionApplicationContainers = "application_containers"
	CollectionDataContainers        = "data_containers"
	CollectionNodes                 = "nodes"
	CollectionDeadNodes             = "dead_nodes"
	CollectionUsers                 = "users"
	CollectionTokens                = "tokens"
	CollectionBlockEntries          = "block_entries"
)

// Connector describes an external file source, sink or notification endpoint.
// Connectors are opaque to the scheduler; they are interpreted by the worker
// process running inside the container.
type Connector struct {
	ConnectorType   string                 `json:"connector_type"`
	ConnectorAccess map[string]interface{} `json:"connector_access"`
	LocalResultFile string                 `json:"local_result_file,omitempty"`
	AddMetaData     bool                   `json:"add_meta_data,omitempty"`
}

// RegistryAuth carries credentials for pulling from a private registry.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ApplicationContainerDescription is the user-supplied description of the
// container that runs the task's workload.
type ApplicationContainerDescription struct {
	Image        string                 `json:"image"`
	EntryPoint   string                 `json:"entry_point,omitempty"`
	ContainerRAM int64                  `json:"container_ram"`
	RegistryAuth *RegistryAuth          `json:"registry_auth,omitempty"`
	Parameters   interface{}            `json:"parameters,omitempty"`
	Tracing      map[string]interface{} `json:"tracing,omitempty"`
	Sandbox      map[string]interface{} `json:"sandbox,omitempty"`
}

// Transition records one state change of a document.
type Transition struct {
	Timestamp   float64                `json:"timestamp"`
	State       State                  `json:"state"`
	Description string                 `json:"description"`
	Exception   string                 `json:"exception,omitempty"`
	CausedBy    map[string]interface{} `json:"caused_by,omitempty"`
}

// Task is a user-submitted unit of work. It eventually produces exactly one
// successful application container, or fails after max_task_trials.
type Task struct {
	ID            string                          `json:"_id"`
	Username      string                          `json:"username"`
	Tags          []string                        `json:"tags,omitempty"`
	NoCache       bool                            `json:"no_cache,omitempty"`
	Description   ApplicationContainerDescription `json:"application_container_description"`
	InputFiles    []Connector                     `json:"input_files"`
	ResultFiles   []Connector                     `json:"result_files"`
	Notifications []Connector                     `json:"notifications,omitempty"`
	State         State                           `json:"state"`
	Trials        int                             `json:"trials"`
	Transitions   []Transition                    `json:"transitions"`
	TaskGroupID   string                          `json:"task_group_id"`
	CreatedAt     float64                         `json:"created_at"`
}

// TaskGroup is a batch of tasks submitted in one request. Its end state is
// derived from its members: success iff any member succeeded.
type TaskGroup struct {
	ID          string       `json:"_id"`
	Username    string       `json:"username"`
	TasksCount  int          `json:"tasks_count"`
	TaskIDs     []string     `json:"task_ids"`
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`
	CreatedAt   float64      `json:"created_at"`
}

// Callback is one protocol message received from a container worker. The
// callback_type of the n-th accepted callback must equal n.
type Callback struct {
	CallbackKey  string          `json:"callback_key"`
	CallbackType int             `json:"callback_type"`
	ContainerID  string          `json:"container_id"`
	Content      CallbackContent `json:"content"`
	Timestamp    float64         `json:"timestamp,omitempty"`
}

// CallbackContent is the payload of a callback.
type CallbackContent struct {
	State         State                  `json:"state"`
	Description   string                 `json:"description"`
	Exception     string                 `json:"exception,omitempty"`
	Telemetry     map[string]interface{} `json:"telemetry,omitempty"`
	InputFileKeys []string               `json:"input_file_keys,omitempty"`
}

// ApplicationContainer runs a task's workload on one cluster node.
// DataContainerIDs is positionally aligned with the task's input files; an
// empty entry means no cache serves that file.
type ApplicationContainer struct {
	ID               string       `json:"_id"`
	TaskID           string       `json:"task_id"`
	Username         string       `json:"username"`
	ClusterNode      string       `json:"cluster_node"`
	ContainerRAM     int64        `json:"container_ram"`
	State            State        `json:"state"`
	DataContainerIDs []*string    `json:"data_container_ids"`
	CallbackKey      string       `json:"callback_key"`
	Callbacks        []Callback   `json:"callbacks"`
	Transitions      []Transition `json:"transitions"`
	CreatedAt        float64      `json:"created_at"`
	IP               string       `json:"ip,omitempty"`
}

// DataContainer caches a set of input files and serves them over HTTP to the
// application containers that reference it.
type DataContainer struct {
	ID            string       `json:"_id"`
	Username      string       `json:"username"`
	ClusterNode   string       `json:"cluster_node"`
	ContainerRAM  int64        `json:"container_ram"`
	InputFiles    []Connector  `json:"input_files"`
	InputFileKeys []string     `json:"input_file_keys"`
	CallbackKey   string       `json:"callback_key"`
	Callbacks     []Callback   `json:"callbacks"`
	Transitions   []Transition `json:"transitions"`
	State         State        `json:"state"`
	CreatedAt     float64      `json:"created_at"`
	IP            string       `json:"ip,omitempty"`
}

// Node is a cluster host running a container engine.
type Node struct {
	ClusterNode string      `json:"cluster_node"`
	Config      *NodeConfig `json:"config,omitempty"`
	IsOnline    bool        `json:"is_online"`
	TotalRAM    int64       `json:"total_ram"` // MiB
	TotalCPUs   int         `json:"total_cpus"`
	DebugInfo   string      `json:"debug_info,omitempty"`
}

// NodeConfig addresses one node's engine endpoint.
type NodeConfig struct {
	BaseURL string         `json:"base_url" toml:"base_url"`
	TLS     *NodeTLSConfig `json:"tls,omitempty" toml:"tls"`
}

// NodeTLSConfig is the per-node TLS bundle.
type NodeTLSConfig struct {
	CACert     string `json:"ca_cert" toml:"ca_cert"`
	ClientCert string `json:"client_cert" toml:"client_cert"`
	ClientKey  string `json:"client_key" toml:"client_key"`
}

// DeadNode records a node that failed inspection. The node inspector is the
// only writer of this collection.
type DeadNode struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
