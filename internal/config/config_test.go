package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "aos_servicemanager.cfg")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"workingDir": "/var/aos/sm"}`))
	require.NoError(t, err)

	assert.Equal(t, "/var/aos/sm", cfg.WorkingDir)
	assert.Equal(t, "/var/aos/crypt/sm/", cfg.CertStorage)
	assert.Equal(t, "/var/aos/sm/services", cfg.ServicesDir)
	assert.Equal(t, "/var/aos/sm/downloads", cfg.DownloadDir)
	assert.Equal(t, "/var/aos/sm/layers", cfg.LayersDir)
	assert.Equal(t, "/var/aos/sm/storages", cfg.StorageDir)
	assert.Equal(t, "/var/aos/sm/states", cfg.StateDir)
	assert.Equal(t, "/var/aos/sm/aos_node.cfg", cfg.NodeConfigFile)
	assert.Equal(t, "/var/aos/sm/mergedMigration", cfg.Migration.MergedMigrationPath)
	assert.Equal(t, "/usr/share/aos/servicemanager/migration", cfg.Migration.MigrationPath)

	assert.Equal(t, 30*24*time.Hour, cfg.ServiceTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.LayerTTL)
	assert.Equal(t, 10*time.Second, cfg.CMReconnectTimeout)
	assert.Equal(t, 35*time.Second, cfg.Monitoring.PollPeriod)
	assert.Equal(t, 35*time.Second, cfg.Monitoring.AverageWindow)
	assert.Equal(t, uint64(80), cfg.Logging.MaxPartCount)

	assert.Equal(t, 4, cfg.JournalAlerts.ServiceAlertPriority)
	assert.Equal(t, 3, cfg.JournalAlerts.SystemAlertPriority)
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"workingDir": "/var/aos/sm",
		"servicesDir": "/srv/services",
		"servicesPartLimit": 40,
		"serviceTTL": "10d",
		"layerTTL": "36h",
		"cmServerURL": "cm:8093",
		"cmReconnectTimeout": "1m",
		"hostBinds": ["bin", "lib", "usr"],
		"hosts": [{"ip": "10.0.0.1", "hostname": "cm"}],
		"journalAlerts": {"filter": ["^skip"], "serviceAlertPriority": 7}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "/srv/services", cfg.ServicesDir)
	assert.Equal(t, uint(40), cfg.ServicesPartLimit)
	assert.Equal(t, 10*24*time.Hour, cfg.ServiceTTL)
	assert.Equal(t, 36*time.Hour, cfg.LayerTTL)
	assert.Equal(t, "cm:8093", cfg.CMServerURL)
	assert.Equal(t, time.Minute, cfg.CMReconnectTimeout)
	assert.Equal(t, []string{"bin", "lib", "usr"}, cfg.HostBinds)

	require.Len(t, cfg.Hosts, 1)
	assert.Equal(t, "10.0.0.1", cfg.Hosts[0].IP)

	assert.Equal(t, []string{"^skip"}, cfg.JournalAlerts.Filter)
	assert.Equal(t, 7, cfg.JournalAlerts.ServiceAlertPriority)
}

func TestAlertPriorityClamped(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"workingDir": "/var/aos/sm",
		"journalAlerts": {"serviceAlertPriority": 42, "systemAlertPriority": -1}
	}`))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.JournalAlerts.ServiceAlertPriority)
	assert.Equal(t, 3, cfg.JournalAlerts.SystemAlertPriority)
}

func TestMissingWorkingDir(t *testing.T) {
	_, err := Load(writeConfig(t, `{}`))
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.cfg"))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30d", 30 * 24 * time.Hour},
		{"1.5d", 36 * time.Hour},
		{"10s", 10 * time.Second},
		{"2h45m", 2*time.Hour + 45*time.Minute},
	}

	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseDuration("nonsense")
	assert.Error(t, err)
}
