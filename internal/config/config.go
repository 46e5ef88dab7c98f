// Package config loads the daemon's runtime configuration: pool bounds,
// timeouts, resource caps, and paths. Defaults live in code; a YAML file and
// then environment variables may override them, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// AddressPool describes the range of host addresses handed out to
// deployments. The interface they are bound to is Config.HostInterface.
type AddressPool struct {
	CIDR      string `yaml:"cidr"`
	StartHost int    `yaml:"start_host"`
	EndHost   int    `yaml:"end_host"`
}

// Resources caps a single container's memory and CPU allotment. MemoryLimit
// is parsed with go-units so operators can write "512MB" instead of a raw
// byte count.
type Resources struct {
	MemoryLimit string  `yaml:"memory_limit"`
	CPUQuota    int64   `yaml:"cpu_quota"`
	CPUPeriod   int64   `yaml:"cpu_period"`
	memoryBytes int64
}

// MemoryBytes returns the parsed byte value of MemoryLimit. Load populates
// it; callers constructing a Resources by hand should call Parse first.
func (r *Resources) MemoryBytes() int64 {
	return r.memoryBytes
}

// Parse resolves the human-readable MemoryLimit into bytes.
func (r *Resources) Parse() error {
	if r.MemoryLimit == "" {
		r.memoryBytes = 0
		return nil
	}
	b, err := units.RAMInBytes(r.MemoryLimit)
	if err != nil {
		return fmt.Errorf("parse memory_limit %q: %w", r.MemoryLimit, err)
	}
	r.memoryBytes = b
	return nil
}

// Config is the daemon's full runtime configuration.
type Config struct {
	DataRoot       string        `yaml:"data_root"`
	ListenAddr     string        `yaml:"listen_addr"`
	HostInterface  string        `yaml:"host_interface"`
	AddressLabel   string        `yaml:"address_label"`
	AddressPool    AddressPool   `yaml:"address_pool"`
	RuncPath       string        `yaml:"runc_path"`
	Resources      Resources     `yaml:"resources"`
	RendezvousWait time.Duration `yaml:"rendezvous_wait"`
	RuncExitWait   time.Duration `yaml:"runc_exit_wait"`
	ShutdownDrain  time.Duration `yaml:"shutdown_drain"`
}

// Load reads yamlPath (if it exists) over a set of built-in defaults, then
// applies FAASD_* environment overrides.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		DataRoot:      "/var/lib/faasd",
		ListenAddr:    "127.0.0.1:9090",
		HostInterface: "lo",
		AddressLabel:  "faasd",
		AddressPool: AddressPool{
			CIDR:      "10.0.0.0/24",
			StartHost: 10,
			EndHost:   254,
		},
		RuncPath: "runc",
		Resources: Resources{
			MemoryLimit: "512MB",
			CPUQuota:    100000,
			CPUPeriod:   100000,
		},
		RendezvousWait: 5 * time.Second,
		RuncExitWait:   30 * time.Second,
		ShutdownDrain:  10 * time.Second,
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Resources.Parse(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FAASD_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("FAASD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FAASD_HOST_INTERFACE"); v != "" {
		cfg.HostInterface = v
	}
	if v := os.Getenv("FAASD_ADDRESS_LABEL"); v != "" {
		cfg.AddressLabel = v
	}
	if v := os.Getenv("FAASD_ADDRESS_POOL_CIDR"); v != "" {
		cfg.AddressPool.CIDR = v
	}
	if v := os.Getenv("FAASD_ADDRESS_POOL_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AddressPool.StartHost = n
		}
	}
	if v := os.Getenv("FAASD_ADDRESS_POOL_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AddressPool.EndHost = n
		}
	}
	if v := os.Getenv("FAASD_RUNC_PATH"); v != "" {
		cfg.RuncPath = v
	}
	if v := os.Getenv("FAASD_MEMORY_LIMIT"); v != "" {
		cfg.Resources.MemoryLimit = v
	}
	if v := os.Getenv("FAASD_CPU_QUOTA"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Resources.CPUQuota = n
		}
	}
	if v := os.Getenv("FAASD_CPU_PERIOD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Resources.CPUPeriod = n
		}
	}
	if v := os.Getenv("FAASD_RENDEZVOUS_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RendezvousWait = d
		}
	}
	if v := os.Getenv("FAASD_RUNC_EXIT_WAIT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RuncExitWait = d
		}
	}
	if v := os.Getenv("FAASD_SHUTDOWN_DRAIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownDrain = d
		}
	}
}
