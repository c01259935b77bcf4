// Package config assembles the sub-configurations of every other package
// (internal/placement, internal/region, internal/engine, internal/worker,
// internal/master, internal/client) into the single YAML document a mica
// process loads at startup, following a DefaultConfig()+LoadConfig() shape.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/mica-kv/mica/internal/client"
	"github.com/mica-kv/mica/internal/engine"
	"github.com/mica-kv/mica/internal/logging"
	"github.com/mica-kv/mica/internal/master"
	"github.com/mica-kv/mica/internal/placement"
	"github.com/mica-kv/mica/internal/region"
	"github.com/mica-kv/mica/internal/wire"
	"github.com/mica-kv/mica/internal/worker"
)

// RoleConfig fixes what this process does, per §6's --master/--is-client
// flags. Exactly one of Master, IsClient must be set; a process that is
// neither is a configuration error.
type RoleConfig struct {
	Master     bool `yaml:"master"`
	IsClient   bool `yaml:"is_client"`
	ServerID   int  `yaml:"server_id"`
	MachineID  int  `yaml:"machine_id"`
	NumThreads int  `yaml:"num_threads"`
}

// RegistryConfig points at the rendezvous directory.
type RegistryConfig struct {
	// Address is the rendezvous directory's base URL, used to build an
	// internal/fabric/registry.HTTPDirectory. Overridden by the
	// REGISTRY_IP environment variable if set (§6).
	Address string `yaml:"address"`
}

// EndpointConfig fixes the queue-pair layout between one server and its
// clients (§4.5).
type EndpointConfig struct {
	BasePortIndex  int `yaml:"base_port_index"`
	NumServerPorts int `yaml:"num_server_ports"`
	NumClientPorts int `yaml:"num_client_ports"`
}

// RegionConfig is the YAML-facing mirror of region.Layout: byte-size fields
// are human-readable (github.com/c2h5oh/datasize), converted to plain ints
// when building the domain region.Layout.
type RegionConfig struct {
	NumWorkers  int               `yaml:"num_workers"`
	NumClients  int               `yaml:"num_clients"`
	WindowSize  int               `yaml:"window_size"`
	MaxValueLen datasize.ByteSize `yaml:"max_value_len"`
	// HugepageSize is loaded but not read by any code path: region.New
	// allocates exactly Layout.Size() bytes without hugepage rounding, and
	// region.HugepageAlign is not called with this value.
	HugepageSize datasize.ByteSize `yaml:"hugepage_size"`
}

func (r RegionConfig) layout() region.Layout {
	return region.Layout{
		NumWorkers: r.NumWorkers,
		NumClients: r.NumClients,
		WindowSize: r.WindowSize,
		SlotSize:   wire.SlotSize(int(r.MaxValueLen.Bytes())),
	}
}

// EngineConfig is the YAML-facing mirror of engine.Config.
type EngineConfig struct {
	NumBuckets  int               `yaml:"num_buckets"`
	LogCapacity datasize.ByteSize `yaml:"log_capacity"`
}

func (e EngineConfig) engineConfig(maxValueLen int) engine.Config {
	return engine.Config{
		NumBuckets:  e.NumBuckets,
		LogCapacity: int(e.LogCapacity.Bytes()),
		MaxValueLen: maxValueLen,
	}
}

// WorkerConfig is the YAML-facing mirror of worker.Config.
type WorkerConfig struct {
	// PostList is §6's --postlist.
	PostList   int `yaml:"postlist"`
	UnsigBatch int `yaml:"unsig_batch"`
}

func (w WorkerConfig) workerConfig(maxValueLen int) worker.Config {
	return worker.Config{
		PostList:    w.PostList,
		UnsigBatch:  w.UnsigBatch,
		MaxValueLen: maxValueLen,
	}
}

// WorkloadConfig fixes the synthetic workload's PUT/GET mix, per §6's
// --update-percentage.
type WorkloadConfig struct {
	// UpdatePercentage is the fraction, 0-100, of operations that are
	// PUTs rather than GETs.
	UpdatePercentage int `yaml:"update_percentage"`
}

// Config is the full document a mica process loads at startup. YAML
// defaults come from DefaultConfig(); cmd/mica's cobra flags override
// individual fields afterward.
type Config struct {
	Logging   logging.Config   `yaml:"logging"`
	Role      RoleConfig       `yaml:"role"`
	Registry  RegistryConfig   `yaml:"registry"`
	Endpoint  EndpointConfig   `yaml:"endpoint"`
	Region    RegionConfig     `yaml:"region"`
	Engine    EngineConfig     `yaml:"engine"`
	Worker    WorkerConfig     `yaml:"worker"`
	Placement placement.Config `yaml:"placement"`
	Workload  WorkloadConfig   `yaml:"workload"`

	// SingleThreaded mirrors §6's "*_SINGLE_THREADED=1" environment
	// toggle: it disables whatever thread-unsafe fast paths a deployment
	// chooses to gate on it. The core (placement/region/engine/worker)
	// does not itself branch on this; it is surfaced for cmd/mica and
	// future driver-level collaborators.
	SingleThreaded bool `yaml:"single_threaded"`
}

// DefaultConfig returns the configuration mica falls back to before a YAML
// file or CLI flags are applied. The defaults describe a single-server,
// single-client, single-worker deployment with a 32-byte maximum value
// size — enough to run the end-to-end scenarios in §8 without any
// overrides.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Role: RoleConfig{
			Master:     true,
			NumThreads: 1,
		},
		Registry: RegistryConfig{
			Address: "http://127.0.0.1:7000",
		},
		Endpoint: EndpointConfig{
			BasePortIndex:  0,
			NumServerPorts: 1,
			NumClientPorts: 1,
		},
		Region: RegionConfig{
			NumWorkers:  1,
			NumClients:  1,
			WindowSize:  64,
			MaxValueLen: 32 * datasize.B,
		},
		Engine: EngineConfig{
			NumBuckets:  1024,
			LogCapacity: 64 * datasize.MB,
		},
		Worker: WorkerConfig{
			PostList:   16,
			UnsigBatch: 32,
		},
		Placement: placement.Config{
			NumServers:        1,
			NumShards:         1,
			ReplicationFactor: 1,
		},
		Workload: WorkloadConfig{
			UpdatePercentage: 50,
		},
	}
}

// LoadConfig reads path as YAML on top of DefaultConfig(), then applies
// environment-variable overrides (§6).
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	cfg.applyEnv(os.Environ())

	return cfg, nil
}

// applyEnv implements §6's two environment variables: REGISTRY_IP overrides
// the rendezvous directory address, and any variable named
// "*_SINGLE_THREADED" set to "1" sets SingleThreaded. The wildcard prefix
// names the collaborator (e.g. "CLIENT_SINGLE_THREADED") and is left open,
// so every matching variable is honored rather than guessing one fixed
// name.
func (c *Config) applyEnv(environ []string) {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case name == "REGISTRY_IP":
			c.Registry.Address = value
		case strings.HasSuffix(name, "_SINGLE_THREADED"):
			if value == "1" {
				c.SingleThreaded = true
			}
		}
	}
}

// Validate checks every configuration-error condition from §7 kind 1,
// across the role flags and every sub-configuration.
func (c Config) Validate() error {
	if c.Role.Master == c.Role.IsClient {
		return fmt.Errorf("config: exactly one of --master or --is-client must be set")
	}
	if c.Role.ServerID < 0 {
		return fmt.Errorf("config: server_id must be >= 0, got %d", c.Role.ServerID)
	}
	if c.Role.Master && c.Role.ServerID >= c.Placement.NumServers {
		return fmt.Errorf("config: server_id %d must be < num_servers %d", c.Role.ServerID, c.Placement.NumServers)
	}
	if c.Role.MachineID < 0 {
		return fmt.Errorf("config: machine_id must be >= 0, got %d", c.Role.MachineID)
	}
	if c.Role.IsClient && c.Role.NumThreads < 1 {
		return fmt.Errorf("config: num_threads must be >= 1, got %d", c.Role.NumThreads)
	}
	if c.Endpoint.NumServerPorts < 1 {
		return fmt.Errorf("config: num_server_ports must be >= 1, got %d", c.Endpoint.NumServerPorts)
	}
	if c.Endpoint.NumClientPorts < 1 {
		return fmt.Errorf("config: num_client_ports must be >= 1, got %d", c.Endpoint.NumClientPorts)
	}
	if c.Workload.UpdatePercentage < 0 || c.Workload.UpdatePercentage > 100 {
		return fmt.Errorf("config: update_percentage must be in [0, 100], got %d", c.Workload.UpdatePercentage)
	}
	if err := c.Placement.Validate(); err != nil {
		return err
	}
	if err := c.Region.layout().Validate(); err != nil {
		return err
	}
	maxValueLen := int(c.Region.MaxValueLen.Bytes())
	if err := c.Engine.engineConfig(maxValueLen).Validate(); err != nil {
		return err
	}
	if err := c.Worker.workerConfig(maxValueLen).Validate(); err != nil {
		return err
	}
	return nil
}

// MasterConfig builds a master.Config from this document, for a process
// started with --master.
func (c Config) MasterConfig() master.Config {
	maxValueLen := int(c.Region.MaxValueLen.Bytes())
	return master.Config{
		ServerID:       c.Role.ServerID,
		NumClientPorts: c.Endpoint.NumClientPorts,
		BasePortIndex:  c.Endpoint.BasePortIndex,
		Region:         c.Region.layout(),
		Engine:         c.Engine.engineConfig(maxValueLen),
		Worker:         c.Worker.workerConfig(maxValueLen),
	}
}

// ClientConfig builds a client.Config from this document, for a process
// started with --is-client. MachineID doubles as the client's group id
// (§4.5's clientGID), since both identify one logical client across every
// server it connects to.
func (c Config) ClientConfig() client.Config {
	return client.Config{
		ClientGID:     c.Role.MachineID,
		BasePortIndex: c.Endpoint.BasePortIndex,
		Region:        c.Region.layout(),
		Placement:     c.Placement,
		MaxValueLen:   int(c.Region.MaxValueLen.Bytes()),
		UnsigBatch:    c.Worker.UnsigBatch,
	}
}
