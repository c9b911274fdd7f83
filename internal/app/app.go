// Package app wires the service manager components together in dependency
// order and owns their shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfleet/servicemanager/internal/config"
	"github.com/openfleet/servicemanager/internal/storage"
	"github.com/openfleet/servicemanager/pkg/downloader"
	"github.com/openfleet/servicemanager/pkg/imagehandler"
	"github.com/openfleet/servicemanager/pkg/journalalerts"
	"github.com/openfleet/servicemanager/pkg/launcher"
	"github.com/openfleet/servicemanager/pkg/layermanager"
	"github.com/openfleet/servicemanager/pkg/network"
	"github.com/openfleet/servicemanager/pkg/runner"
	"github.com/openfleet/servicemanager/pkg/runtime"
	"github.com/openfleet/servicemanager/pkg/servicemanager"
	"github.com/openfleet/servicemanager/pkg/spaceallocator"
	"github.com/openfleet/servicemanager/pkg/types"
)

// CloudClient is the transport to the communication manager; the wire
// protocol lives outside this module.
type CloudClient interface {
	SendRunStatus(statuses []types.RunStatus) error
	SendAlert(alert types.Alert) error
	SendMonitoringData(data types.MonitoringData) error
}

// App is the assembled service manager.
type App struct {
	Launcher *launcher.Launcher

	supervisor *Supervisor
}

// itemRemover breaks the construction cycle between an allocator and the
// catalog that owns its items: the allocator is created first, the target
// is bound once the catalog exists.
type itemRemover struct {
	target spaceallocator.ItemRemover
}

func (r *itemRemover) RemoveItem(id string) error {
	if r.target == nil {
		return fmt.Errorf("no item remover bound: %w", types.ErrFailed)
	}

	return r.target.RemoveItem(id)
}

// New builds the whole component graph. Any error here is fatal: the caller
// exits without a partial start.
func New(ctx context.Context, cfg *config.Config, client CloudClient) (*App, error) {
	supervisor := NewSupervisor()

	for _, dir := range []string{
		cfg.WorkingDir, cfg.ServicesDir, cfg.LayersDir, cfg.DownloadDir, cfg.StorageDir, cfg.StateDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create working dir: %w", err)
		}
	}

	store, err := storage.New(filepath.Join(cfg.WorkingDir, "servicemanager.db"))
	if err != nil {
		return nil, err
	}

	supervisor.Add("storage", store.Close)

	platform := spaceallocator.HostPlatform{}

	layerRemover := &itemRemover{}
	serviceRemover := &itemRemover{}

	layerSpace, err := spaceallocator.New(cfg.LayersDir, cfg.LayersPartLimit, platform, layerRemover)
	if err != nil {
		return nil, err
	}

	serviceSpace, err := spaceallocator.New(cfg.ServicesDir, cfg.ServicesPartLimit, platform, serviceRemover)
	if err != nil {
		return nil, err
	}

	// Downloads are transient; both managers share the same allocator.
	downloadSpace, err := spaceallocator.New(cfg.DownloadDir, 0, platform, &itemRemover{})
	if err != nil {
		return nil, err
	}

	images := imagehandler.New(uint32(os.Getuid()))
	fetch := downloader.New()

	layers, err := layermanager.New(layermanager.Config{
		LayersDir:   cfg.LayersDir,
		DownloadDir: cfg.DownloadDir,
		TTL:         cfg.LayerTTL,
	}, store, fetch, images, layerSpace, downloadSpace)
	if err != nil {
		return nil, err
	}

	layerRemover.target = layers

	supervisor.Add("layermanager", func() error { layers.Close(); return nil })

	services, err := servicemanager.New(servicemanager.Config{
		ServicesDir: cfg.ServicesDir,
		DownloadDir: cfg.DownloadDir,
		TTL:         cfg.ServiceTTL,
	}, store, fetch, images, serviceSpace, downloadSpace)
	if err != nil {
		return nil, err
	}

	serviceRemover.target = services

	supervisor.Add("servicemanager", func() error { services.Close(); return nil })

	if err := layers.RemoveDamagedLayerFolders(ctx); err != nil {
		return nil, err
	}

	if err := services.RemoveDamagedServiceFolders(ctx); err != nil {
		return nil, err
	}

	firewall, err := network.NewFirewall()
	if err != nil {
		return nil, err
	}

	traffic := network.NewTrafficMonitor(firewall.Client(), store)
	traffic.Start()
	supervisor.Add("trafficmonitor", func() error { traffic.Stop(); return nil })

	netMgr, err := network.NewManager(firewall, traffic)
	if err != nil {
		return nil, err
	}

	bundles := runtime.New(runtime.HostMounter{})

	launch, err := launcher.New(launcher.Config{
		WorkDir:              cfg.WorkingDir,
		StorageDir:           cfg.StorageDir,
		StateDir:             cfg.StateDir,
		HostBinds:            cfg.HostBinds,
		Hosts:                configHosts(cfg.Hosts),
		RemoveOutdatedPeriod: cfg.RemoveOutdatedPeriod,
	}, services, layers, nil, bundles, netMgr, runStatusSender{client}, store)
	if err != nil {
		return nil, err
	}

	run := runner.New(launch, runner.NewSystemdConn)

	launch.SetRunner(run)

	if err := run.Start(ctx); err != nil {
		return nil, err
	}

	supervisor.Add("runner", run.Stop)

	launch.Start()
	supervisor.Add("launcher", func() error { launch.Stop(); return nil })

	journalReader, err := journalalerts.NewJournalReader()
	if err != nil {
		return nil, err
	}

	alerts, err := journalalerts.New(journalalerts.Config{
		Filter:               cfg.JournalAlerts.Filter,
		ServiceAlertPriority: cfg.JournalAlerts.ServiceAlertPriority,
		SystemAlertPriority:  cfg.JournalAlerts.SystemAlertPriority,
	}, journalReader, alertSender{client}, store)
	if err != nil {
		return nil, err
	}

	alerts.Start()
	supervisor.Add("journalalerts", func() error { alerts.Stop(); return nil })

	return &App{Launcher: launch, supervisor: supervisor}, nil
}

// Shutdown stops every component in reverse init order.
func (a *App) Shutdown() error {
	return a.supervisor.Shutdown()
}

type runStatusSender struct {
	client CloudClient
}

func (s runStatusSender) SendRunStatus(statuses []types.RunStatus) error {
	return s.client.SendRunStatus(statuses)
}

type alertSender struct {
	client CloudClient
}

func (s alertSender) SendAlert(alert types.Alert) error {
	return s.client.SendAlert(alert)
}

func configHosts(hosts []config.Host) []types.Host {
	converted := make([]types.Host, 0, len(hosts))

	for _, host := range hosts {
		converted = append(converted, types.Host{IP: host.IP, Hostname: host.Hostname})
	}

	return converted
}
