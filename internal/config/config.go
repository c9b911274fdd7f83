// Package config loads the service manager configuration file. The file is
// JSON; durations accept plain time.Duration syntax plus a "d" suffix for
// days ("30d"). Missing values fall back to the documented defaults.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultServiceTTL        = 30 * 24 * time.Hour
	defaultLayerTTL          = 30 * 24 * time.Hour
	defaultCMReconnectTimeout = 10 * time.Second
	defaultMonitoringPoll    = 35 * time.Second
	defaultMonitoringWindow  = 35 * time.Second
	defaultRemoveOutdated    = 24 * time.Hour
	defaultLogMaxPartSize    = 64 * 1024
	defaultLogMaxPartCount   = 80

	defaultServiceAlertPriority = 4
	defaultSystemAlertPriority  = 3
	maxAlertPriority            = 7
	minAlertPriority            = 0
)

// Config is the parsed service manager configuration.
type Config struct {
	WorkingDir            string        `mapstructure:"workingDir"`
	CertStorage           string        `mapstructure:"certStorage"`
	CACert                string        `mapstructure:"caCert"`
	IAMPublicServerURL    string        `mapstructure:"iamPublicServerURL"`
	IAMProtectedServerURL string        `mapstructure:"iamProtectedServerURL"`
	CMServerURL           string        `mapstructure:"cmServerURL"`
	CMReconnectTimeout    time.Duration `mapstructure:"cmReconnectTimeout"`
	NodeConfigFile        string        `mapstructure:"nodeConfigFile"`

	ServicesDir          string        `mapstructure:"servicesDir"`
	DownloadDir          string        `mapstructure:"downloadDir"`
	ServicesPartLimit    uint          `mapstructure:"servicesPartLimit"`
	ServiceTTL           time.Duration `mapstructure:"serviceTTL"`
	RemoveOutdatedPeriod time.Duration `mapstructure:"removeOutdatedPeriod"`

	LayersDir       string        `mapstructure:"layersDir"`
	LayersPartLimit uint          `mapstructure:"layersPartLimit"`
	LayerTTL        time.Duration `mapstructure:"layerTTL"`

	StorageDir string   `mapstructure:"storageDir"`
	StateDir   string   `mapstructure:"stateDir"`
	HostBinds  []string `mapstructure:"hostBinds"`
	Hosts      []Host   `mapstructure:"hosts"`

	Monitoring    Monitoring    `mapstructure:"monitoring"`
	Logging       Logging       `mapstructure:"logging"`
	JournalAlerts JournalAlerts `mapstructure:"journalAlerts"`
	Migration     Migration     `mapstructure:"migration"`
}

// Host is an extra /etc/hosts entry added to every instance.
type Host struct {
	IP       string `mapstructure:"ip"`
	Hostname string `mapstructure:"hostname"`
}

// Monitoring tunes the resource usage sampler.
type Monitoring struct {
	PollPeriod    time.Duration `mapstructure:"pollPeriod"`
	AverageWindow time.Duration `mapstructure:"averageWindow"`
}

// Logging tunes the log provider part sizes.
type Logging struct {
	MaxPartSize  uint64 `mapstructure:"maxPartSize"`
	MaxPartCount uint64 `mapstructure:"maxPartCount"`
}

// JournalAlerts tunes the journal scraper.
type JournalAlerts struct {
	Filter               []string `mapstructure:"filter"`
	ServiceAlertPriority int      `mapstructure:"serviceAlertPriority"`
	SystemAlertPriority  int      `mapstructure:"systemAlertPriority"`
}

// Migration points at the database schema migration sources.
type Migration struct {
	MigrationPath       string `mapstructure:"migrationPath"`
	MergedMigrationPath string `mapstructure:"mergedMigrationPath"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("certStorage", "/var/aos/crypt/sm/")
	v.SetDefault("cmReconnectTimeout", defaultCMReconnectTimeout.String())
	v.SetDefault("serviceTTL", "30d")
	v.SetDefault("layerTTL", "30d")
	v.SetDefault("removeOutdatedPeriod", defaultRemoveOutdated.String())
	v.SetDefault("monitoring.pollPeriod", defaultMonitoringPoll.String())
	v.SetDefault("monitoring.averageWindow", defaultMonitoringWindow.String())
	v.SetDefault("logging.maxPartSize", defaultLogMaxPartSize)
	v.SetDefault("logging.maxPartCount", defaultLogMaxPartCount)
	v.SetDefault("journalAlerts.serviceAlertPriority", defaultServiceAlertPriority)
	v.SetDefault("journalAlerts.systemAlertPriority", defaultSystemAlertPriority)
	v.SetDefault("migration.migrationPath", "/usr/share/aos/servicemanager/migration")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}

	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook(), mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.WorkingDir == "" {
		return nil, fmt.Errorf("workingDir is required")
	}

	applyDefaults(cfg)
	clampAlertPriorities(&cfg.JournalAlerts)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	wd := cfg.WorkingDir

	if cfg.ServicesDir == "" {
		cfg.ServicesDir = filepath.Join(wd, "services")
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(wd, "downloads")
	}

	if cfg.LayersDir == "" {
		cfg.LayersDir = filepath.Join(wd, "layers")
	}

	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(wd, "storages")
	}

	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(wd, "states")
	}

	if cfg.NodeConfigFile == "" {
		cfg.NodeConfigFile = filepath.Join(wd, "aos_node.cfg")
	}

	if cfg.Migration.MergedMigrationPath == "" {
		cfg.Migration.MergedMigrationPath = filepath.Join(wd, "mergedMigration")
	}
}

func clampAlertPriorities(cfg *JournalAlerts) {
	if cfg.ServiceAlertPriority > maxAlertPriority || cfg.ServiceAlertPriority < minAlertPriority {
		cfg.ServiceAlertPriority = defaultServiceAlertPriority

		slog.Warn("service alert priority out of range, using default", "priority", defaultServiceAlertPriority)
	}

	if cfg.SystemAlertPriority > maxAlertPriority || cfg.SystemAlertPriority < minAlertPriority {
		cfg.SystemAlertPriority = defaultSystemAlertPriority

		slog.Warn("system alert priority out of range, using default", "priority", defaultSystemAlertPriority)
	}
}

// durationHook decodes config duration strings, accepting the "d" day suffix
// on top of the standard time.ParseDuration units.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		return ParseDuration(data.(string))
	}
}

// ParseDuration parses a duration string, accepting a trailing "d" (days)
// unit in addition to the standard units.
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}

		return time.Duration(days * float64(24*time.Hour)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}

	return d, nil
}
