// Package config loads this SDK's process-level settings from an optional
// YAML file, then layers environment variable overrides on top — the same
// two-stage shape as the teacher's internal/config/config.go, trimmed from
// its many AOCS subsystem blocks down to the settings a huskar client
// actually needs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Mode selects how a process shares its cache directory with siblings.
// huskar_sdk_v2 calls this THREAD vs MULTIPROCESS.
type Mode string

const (
	ModeThread       Mode = "THREAD"
	ModeMultiprocess Mode = "MULTIPROCESS"
)

// Config is the full set of process-level options a huskar client reads at
// startup. Every field has a YAML key; environment variable overrides are
// applied in Load. Cache.Mode has no variable of its own: it is only forced
// to MULTIPROCESS by MESOS_TASK_ID or SUPERVISOR_GROUP_NAME.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Cache    CacheConfig    `yaml:"cache"`
	Routing  RoutingConfig  `yaml:"routing"`
	Audit    AuditConfig    `yaml:"audit"`
	Events   EventsConfig   `yaml:"events"`
	Identity IdentityConfig `yaml:"identity"`
}

// BackendConfig identifies the process's own app/cluster and the long-poll
// or tree-watch endpoint it talks to.
type BackendConfig struct {
	BaseURL      string `yaml:"base_url"`
	TreeWatchURL string `yaml:"tree_watch_url"`
	Token        string `yaml:"token"`
	AppID        string `yaml:"app_id"`
	Cluster      string `yaml:"cluster"`
}

// CacheConfig controls where and how persisted state is kept on disk.
type CacheConfig struct {
	Root      string `yaml:"root"`
	Namespace string `yaml:"namespace"` // resolved from env if empty; see ResolveNamespace
	Mode      Mode   `yaml:"mode"`
}

// RoutingConfig is the process-global SOA routing mode.
type RoutingConfig struct {
	SOAMode    string `yaml:"soa_mode"` // "orig", "prefix", "route"
	SOACluster string `yaml:"soa_cluster"`
}

// AuditConfig enables the optional Postgres audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// EventsConfig enables the optional Cloud Pub/Sub event fan-out.
type EventsConfig struct {
	PubSubProjectID string `yaml:"pubsub_project_id"`
	PubSubTopicID   string `yaml:"pubsub_topic_id"`
}

// IdentityConfig configures the SPIFFE-backed token source, used instead
// of Backend.Token when SPIFFESocketPath is set.
type IdentityConfig struct {
	SPIFFESocketPath string `yaml:"spiffe_socket_path"`
	SPIFFEAudience   string `yaml:"spiffe_audience"`
}

// Load reads path as YAML (if it exists) and applies environment variable
// overrides on top. A missing file is not an error — every setting can
// come from the environment alone, matching huskar_sdk_v2's constructor-
// arguments-or-nothing configuration style.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fine, environment-only configuration
		default:
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Backend.BaseURL = getEnv("HUSKAR_BASE_URL", c.Backend.BaseURL)
	c.Backend.TreeWatchURL = getEnv("HUSKAR_TREE_WATCH_URL", c.Backend.TreeWatchURL)
	c.Backend.Token = getEnv("HUSKAR_TOKEN", c.Backend.Token)
	c.Backend.AppID = getEnv("HUSKAR_APP_ID", c.Backend.AppID)
	c.Backend.Cluster = getEnv("HUSKAR_CLUSTER", c.Backend.Cluster)

	c.Cache.Root = getEnv("HUSKAR_CACHE_ROOT", c.Cache.Root)
	c.Cache.Namespace = ResolveNamespace(c.Cache.Namespace)
	if mode := resolveMode(c.Cache.Mode); mode != "" {
		c.Cache.Mode = mode
	}

	c.Routing.SOAMode = getEnv("HUSKAR_SOA_MODE", c.Routing.SOAMode)
	c.Routing.SOACluster = getEnv("HUSKAR_SOA_CLUSTER", c.Routing.SOACluster)

	c.Audit.Enabled = getEnvBool("HUSKAR_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.DSN = getEnv("HUSKAR_AUDIT_DSN", c.Audit.DSN)

	c.Events.PubSubProjectID = getEnv("HUSKAR_PUBSUB_PROJECT_ID", c.Events.PubSubProjectID)
	c.Events.PubSubTopicID = getEnv("HUSKAR_PUBSUB_TOPIC_ID", c.Events.PubSubTopicID)

	c.Identity.SPIFFESocketPath = getEnv("HUSKAR_SPIFFE_SOCKET_PATH", c.Identity.SPIFFESocketPath)
	c.Identity.SPIFFEAudience = getEnv("HUSKAR_SPIFFE_AUDIENCE", c.Identity.SPIFFEAudience)
}

// ResolveNamespace implements spec.md's cache directory namespace
// selection order: an explicit value wins, then
// $HUSKAR_CACHE_DIR_NAMESPACE, then $MESOS_TASK_ID, then
// $SUPERVISOR_GROUP_NAME, then "default".
func ResolveNamespace(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, env := range []string{"HUSKAR_CACHE_DIR_NAMESPACE", "MESOS_TASK_ID", "SUPERVISOR_GROUP_NAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "default"
}

// resolveMode implements spec.md's rule that MESOS_TASK_ID or
// SUPERVISOR_GROUP_NAME being set additionally forces MULTIPROCESS mode,
// regardless of what was otherwise configured.
func resolveMode(configured Mode) Mode {
	if os.Getenv("MESOS_TASK_ID") != "" || os.Getenv("SUPERVISOR_GROUP_NAME") != "" {
		return ModeMultiprocess
	}
	return configured
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
