package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearHuskarEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HUSKAR_BASE_URL", "HUSKAR_TREE_WATCH_URL", "HUSKAR_TOKEN", "HUSKAR_APP_ID", "HUSKAR_CLUSTER",
		"HUSKAR_CACHE_ROOT", "HUSKAR_CACHE_DIR_NAMESPACE", "HUSKAR_SOA_MODE", "HUSKAR_SOA_CLUSTER",
		"HUSKAR_AUDIT_ENABLED", "HUSKAR_AUDIT_DSN", "HUSKAR_PUBSUB_PROJECT_ID", "HUSKAR_PUBSUB_TOPIC_ID",
		"HUSKAR_SPIFFE_SOCKET_PATH", "HUSKAR_SPIFFE_AUDIENCE",
		"MESOS_TASK_ID", "SUPERVISOR_GROUP_NAME",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadMissingFileFallsBackToEnvOnly(t *testing.T) {
	clearHuskarEnv(t)
	t.Setenv("HUSKAR_BASE_URL", "http://huskar.example.org")
	t.Setenv("HUSKAR_TOKEN", "s3cr3t")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://huskar.example.org", cfg.Backend.BaseURL)
	assert.Equal(t, "s3cr3t", cfg.Backend.Token)
	assert.Equal(t, "default", cfg.Cache.Namespace)
}

func TestLoadYAMLThenEnvOverridesTakePrecedence(t *testing.T) {
	clearHuskarEnv(t)

	path := filepath.Join(t.TempDir(), "huskar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: http://from-yaml.example.org
  app_id: ocx.api
  cluster: altA
cache:
  root: /var/lib/huskar
`), 0o644))

	t.Setenv("HUSKAR_BASE_URL", "http://from-env.example.org")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env.example.org", cfg.Backend.BaseURL, "env var must win over YAML")
	assert.Equal(t, "ocx.api", cfg.Backend.AppID, "YAML value kept when no env override exists")
	assert.Equal(t, "altA", cfg.Backend.Cluster)
	assert.Equal(t, "/var/lib/huskar", cfg.Cache.Root)
}

func TestResolveNamespacePrecedenceOrder(t *testing.T) {
	clearHuskarEnv(t)

	assert.Equal(t, "default", ResolveNamespace(""))

	t.Setenv("SUPERVISOR_GROUP_NAME", "group-a")
	assert.Equal(t, "group-a", ResolveNamespace(""))

	t.Setenv("MESOS_TASK_ID", "task-123")
	assert.Equal(t, "task-123", ResolveNamespace(""), "MESOS_TASK_ID beats SUPERVISOR_GROUP_NAME")

	t.Setenv("HUSKAR_CACHE_DIR_NAMESPACE", "explicit-ns")
	assert.Equal(t, "explicit-ns", ResolveNamespace(""), "env namespace var beats MESOS_TASK_ID")

	assert.Equal(t, "caller-supplied", ResolveNamespace("caller-supplied"), "an explicit argument always wins")
}

func TestMesosTaskIDForcesMultiprocessMode(t *testing.T) {
	clearHuskarEnv(t)
	t.Setenv("MESOS_TASK_ID", "task-123")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeMultiprocess, cfg.Cache.Mode)
}

func TestSupervisorGroupNameForcesMultiprocessMode(t *testing.T) {
	clearHuskarEnv(t)
	t.Setenv("SUPERVISOR_GROUP_NAME", "group-a")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeMultiprocess, cfg.Cache.Mode)
}

func TestModeLeftUnsetWithoutMultiprocessSignals(t *testing.T) {
	clearHuskarEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Mode(""), cfg.Cache.Mode)
}

func TestAuditEnabledEnvOverrideParsesBool(t *testing.T) {
	clearHuskarEnv(t)
	t.Setenv("HUSKAR_AUDIT_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Audit.Enabled)
}
