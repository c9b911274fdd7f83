// Package launcher reconciles the desired instance set against the node: it
// drives artifact installation, bundle assembly, unit start/stop and
// aggregates run status for the communication manager.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/openfleet/servicemanager/pkg/runtime"
	"github.com/openfleet/servicemanager/pkg/servicemanager"
	"github.com/openfleet/servicemanager/pkg/types"
)

// ServiceProvider is the service catalog capability.
type ServiceProvider interface {
	ProcessDesiredServices(ctx context.Context, desired []types.ServiceInfo) (map[string]error, error)
	GetService(serviceID string) (types.ServiceData, error)
	GetImageParts(service types.ServiceData) (servicemanager.ImageParts, error)
	GetAllServices() ([]types.ServiceData, error)
	RemoveOutdated(ctx context.Context) error
}

// LayerProvider is the layer catalog capability.
type LayerProvider interface {
	ProcessDesiredLayers(ctx context.Context, desired []types.LayerInfo) (map[digest.Digest]error, error)
	GetLayer(d digest.Digest) (types.LayerData, error)
	RemoveOutdated(ctx context.Context) error
}

// InstanceRunner starts and stops supervised units.
type InstanceRunner interface {
	StartInstance(ctx context.Context, instanceID, runtimeDir string, params types.RunParameters) types.RunStatus
	StopInstance(ctx context.Context, instanceID string) error
}

// BundleBuilder assembles and releases instance bundles.
type BundleBuilder interface {
	PrepareBundle(ctx context.Context, runtimeDir string, cfg runtime.BundleConfig) error
	ReleaseBundle(runtimeDir string) error
	PrepareServiceStorage(path string, uid, gid uint32) error
}

// NetworkManager provides the instance network namespaces.
type NetworkManager interface {
	AddInstanceToNetwork(ctx context.Context, instanceID string, params types.NetworkParams) (string, error)
	RemoveInstanceFromNetwork(instanceID, networkID string) error
}

// RunStatusSender forwards aggregated run status to the communication
// manager.
type RunStatusSender interface {
	SendRunStatus(statuses []types.RunStatus) error
}

// Storage persists the desired instance set across restarts.
type Storage interface {
	AddInstance(info types.InstanceInfo) error
	RemoveInstance(ident types.InstanceIdent) error
	GetAllInstances() ([]types.InstanceInfo, error)
}

// Config tunes the launcher.
type Config struct {
	WorkDir              string
	StorageDir           string
	StateDir             string
	HostBinds            []string
	Hosts                []types.Host
	RemoveOutdatedPeriod time.Duration
	MaxWorkers           int
	RunParameters        types.RunParameters
}

// DesiredRun is one desired state pushed by the communication manager.
type DesiredRun struct {
	Instances    []types.InstanceInfo
	Services     []types.ServiceInfo
	Layers       []types.LayerInfo
	ForceRestart bool
}

type currentInstance struct {
	info       types.InstanceInfo
	version    string
	layers     []digest.Digest
	runtimeDir string
	networkID  string
	status     types.RunStatus
}

const defaultMaxWorkers = 8

// Launcher owns the desired-state snapshot and the current instance map.
type Launcher struct {
	cfg      Config
	services ServiceProvider
	layers   LayerProvider
	runner   InstanceRunner
	bundles  BundleBuilder
	network  NetworkManager
	sender   RunStatusSender
	storage  Storage
	logger   *slog.Logger

	mu      sync.Mutex
	current map[types.InstanceIdent]*currentInstance
	pending *DesiredRun
	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the launcher and restores the persisted instance set so the
// first reconciliation can diff against it.
func New(cfg Config, services ServiceProvider, layers LayerProvider, runner InstanceRunner,
	bundles BundleBuilder, network NetworkManager, sender RunStatusSender, storage Storage,
) (*Launcher, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Launcher{
		cfg:      cfg,
		services: services,
		layers:   layers,
		runner:   runner,
		bundles:  bundles,
		network:  network,
		sender:   sender,
		storage:  storage,
		logger:   slog.Default().With("component", "launcher"),
		current:  make(map[types.InstanceIdent]*currentInstance),
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	stored, err := storage.GetAllInstances()
	if err != nil {
		cancel()

		return nil, err
	}

	for _, info := range stored {
		l.current[info.InstanceIdent] = &currentInstance{
			info:       info,
			runtimeDir: l.runtimeDir(info.InstanceIdent),
			networkID:  info.NetworkParams.NetworkID,
			status:     types.RunStatus{InstanceID: info.InstanceIdent.ID(), State: types.InstanceStateFailed},
		}
	}

	return l, nil
}

// SetRunner binds the instance runner. The runner and the launcher
// reference each other (the runner calls back through UpdateRunStatus), so
// the runner side is bound after both exist; it must happen before Start.
func (l *Launcher) SetRunner(runner InstanceRunner) {
	l.runner = runner
}

// Start launches the reconcile loop.
func (l *Launcher) Start() {
	go l.reconcileLoop()
}

// Stop aborts the current reconciliation and joins the loop.
func (l *Launcher) Stop() {
	l.cancel()
	<-l.done
}

// RunInstances queues a desired state. A queued, not yet started request is
// replaced; at most one reconciliation runs at a time.
func (l *Launcher) RunInstances(desired DesiredRun) error {
	select {
	case <-l.ctx.Done():
		return fmt.Errorf("launcher stopped: %w", types.ErrCancelled)
	default:
	}

	l.mu.Lock()
	l.pending = &desired
	l.mu.Unlock()

	select {
	case l.trigger <- struct{}{}:
	default:
	}

	return nil
}

// UpdateRunStatus receives asynchronous status snapshots from the runner and
// forwards the merged view. Runner snapshots only cover running units, so
// instances the runner dropped keep their last reported state.
func (l *Launcher) UpdateRunStatus(statuses []types.RunStatus) {
	l.mu.Lock()

	byID := make(map[string]*currentInstance, len(l.current))
	for _, instance := range l.current {
		byID[instance.status.InstanceID] = instance
	}

	for _, status := range statuses {
		if instance, ok := byID[status.InstanceID]; ok {
			instance.status = status
		}
	}

	merged := l.runStatusLocked()
	l.mu.Unlock()

	if err := l.sender.SendRunStatus(merged); err != nil {
		l.logger.Error("failed to send run status", "error", err)
	}
}

// reconcileLoop serializes reconciliations and TTL sweeps.
func (l *Launcher) reconcileLoop() {
	defer close(l.done)

	var sweep <-chan time.Time

	if l.cfg.RemoveOutdatedPeriod > 0 {
		ticker := time.NewTicker(l.cfg.RemoveOutdatedPeriod)
		defer ticker.Stop()

		sweep = ticker.C
	}

	for {
		select {
		case <-l.ctx.Done():
			return

		case <-l.trigger:
			l.mu.Lock()
			desired := l.pending
			l.pending = nil
			l.mu.Unlock()

			if desired == nil {
				continue
			}

			l.runInstances(l.ctx, *desired)

		case <-sweep:
			if err := l.services.RemoveOutdated(l.ctx); err != nil {
				l.logger.Error("service TTL sweep failed", "error", err)
			}

			if err := l.layers.RemoveOutdated(l.ctx); err != nil {
				l.logger.Error("layer TTL sweep failed", "error", err)
			}
		}
	}
}

// runInstances is one reconciliation pass.
func (l *Launcher) runInstances(ctx context.Context, desired DesiredRun) {
	l.logger.InfoContext(ctx, "reconciling instances",
		"desired", len(desired.Instances), "forceRestart", desired.ForceRestart)

	failedServices, err := l.services.ProcessDesiredServices(ctx, desired.Services)
	if err != nil {
		l.logger.Error("service processing failed", "error", err)

		if failedServices == nil {
			failedServices = map[string]error{}
		}
	}

	failedLayers, err := l.layers.ProcessDesiredLayers(ctx, desired.Layers)
	if err != nil {
		l.logger.Error("layer processing failed", "error", err)

		if failedLayers == nil {
			failedLayers = map[digest.Digest]error{}
		}
	}

	toStop, toStart := l.diffInstances(desired)

	l.stopInstances(ctx, toStop)
	l.startInstances(ctx, toStart, failedServices, failedLayers)

	l.mu.Lock()
	statuses := l.runStatusLocked()
	l.mu.Unlock()

	if err := l.sender.SendRunStatus(statuses); err != nil {
		l.logger.Error("failed to send run status", "error", err)
	}
}

// diffInstances splits the desired set against the current one. An entry
// whose bundle inputs changed is stopped and started again.
func (l *Launcher) diffInstances(desired DesiredRun) (toStop []*currentInstance, toStart []types.InstanceInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	desiredSet := make(map[types.InstanceIdent]types.InstanceInfo, len(desired.Instances))
	for _, info := range desired.Instances {
		desiredSet[info.InstanceIdent] = info
	}

	desiredVersions := make(map[string]string, len(desired.Services))
	for _, service := range desired.Services {
		desiredVersions[service.ServiceID] = service.Version
	}

	for ident, instance := range l.current {
		info, ok := desiredSet[ident]
		if !ok {
			toStop = append(toStop, instance)

			continue
		}

		if desired.ForceRestart || l.bundleInputsChanged(instance, info, desiredVersions[ident.ServiceID]) {
			toStop = append(toStop, instance)
			toStart = append(toStart, info)

			continue
		}

		// Unchanged and never successfully started: try again.
		if instance.status.State == types.InstanceStateFailed {
			toStart = append(toStart, info)
		}
	}

	for ident, info := range desiredSet {
		if _, ok := l.current[ident]; !ok {
			toStart = append(toStart, info)
		}
	}

	return toStop, toStart
}

func (l *Launcher) bundleInputsChanged(instance *currentInstance, info types.InstanceInfo, desiredVersion string) bool {
	if instance.version != desiredVersion {
		return true
	}

	if instance.info.Priority != info.Priority ||
		instance.info.StoragePath != info.StoragePath ||
		instance.info.StatePath != info.StatePath ||
		instance.info.UID != info.UID {
		return true
	}

	return !networkParamsEqual(instance.info.NetworkParams, info.NetworkParams)
}

// stopInstances stops the given instances in parallel, bounded by the worker
// cap, releasing bundle and network resources.
func (l *Launcher) stopInstances(ctx context.Context, toStop []*currentInstance) {
	sem := make(chan struct{}, l.cfg.MaxWorkers)

	var wg sync.WaitGroup

	for _, instance := range toStop {
		wg.Add(1)
		sem <- struct{}{}

		go func(instance *currentInstance) {
			defer wg.Done()
			defer func() { <-sem }()

			l.stopInstance(ctx, instance)
		}(instance)
	}

	wg.Wait()
}

func (l *Launcher) stopInstance(ctx context.Context, instance *currentInstance) {
	instanceID := instance.info.InstanceIdent.ID()

	if err := l.runner.StopInstance(ctx, instanceID); err != nil {
		l.logger.Error("failed to stop instance", "instanceID", instanceID, "error", err)
	}

	if err := l.bundles.ReleaseBundle(instance.runtimeDir); err != nil {
		l.logger.Error("failed to release bundle", "instanceID", instanceID, "error", err)
	}

	if err := l.network.RemoveInstanceFromNetwork(instanceID, instance.networkID); err != nil {
		l.logger.Error("failed to release network", "instanceID", instanceID, "error", err)
	}

	if err := l.storage.RemoveInstance(instance.info.InstanceIdent); err != nil {
		l.logger.Error("failed to remove instance row", "instanceID", instanceID, "error", err)
	}

	l.mu.Lock()
	delete(l.current, instance.info.InstanceIdent)
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "instance stopped", "instanceID", instanceID)
}

// startInstances starts instances priority groups first, higher priority
// before lower; within one group starts run in parallel under the worker
// cap, and the group order within equal priority is deterministic.
func (l *Launcher) startInstances(ctx context.Context, toStart []types.InstanceInfo,
	failedServices map[string]error, failedLayers map[digest.Digest]error,
) {
	sort.Slice(toStart, func(i, j int) bool {
		if toStart[i].Priority != toStart[j].Priority {
			return toStart[i].Priority > toStart[j].Priority
		}

		if toStart[i].ServiceID != toStart[j].ServiceID {
			return toStart[i].ServiceID < toStart[j].ServiceID
		}

		return toStart[i].Instance < toStart[j].Instance
	})

	sem := make(chan struct{}, l.cfg.MaxWorkers)

	for group := 0; group < len(toStart); {
		priority := toStart[group].Priority

		var wg sync.WaitGroup

		for ; group < len(toStart) && toStart[group].Priority == priority; group++ {
			info := toStart[group]

			wg.Add(1)
			sem <- struct{}{}

			go func(info types.InstanceInfo) {
				defer wg.Done()
				defer func() { <-sem }()

				l.startInstance(ctx, info, failedServices, failedLayers)
			}(info)
		}

		wg.Wait()
	}
}

func (l *Launcher) startInstance(ctx context.Context, info types.InstanceInfo,
	failedServices map[string]error, failedLayers map[digest.Digest]error,
) {
	instanceID := info.InstanceIdent.ID()

	record := func(status types.RunStatus, version string, layers []digest.Digest, networkID string) {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.current[info.InstanceIdent] = &currentInstance{
			info:       info,
			version:    version,
			layers:     layers,
			runtimeDir: l.runtimeDir(info.InstanceIdent),
			networkID:  networkID,
			status:     status,
		}
	}

	fail := func(err error) {
		l.logger.Error("failed to start instance", "instanceID", instanceID, "error", err)
		record(types.RunStatus{InstanceID: instanceID, State: types.InstanceStateFailed, Err: err}, "", nil, "")
	}

	if err, ok := failedServices[info.ServiceID]; ok {
		fail(fmt.Errorf("service install failed: %w", err))

		return
	}

	service, err := l.services.GetService(info.ServiceID)
	if err != nil {
		fail(err)

		return
	}

	parts, err := l.services.GetImageParts(service)
	if err != nil {
		fail(err)

		return
	}

	layerPaths := make([]string, 0, len(parts.LayerDigests))

	for _, layerDigest := range parts.LayerDigests {
		if err, ok := failedLayers[layerDigest]; ok {
			fail(fmt.Errorf("layer install failed: %w", err))

			return
		}

		layer, err := l.layers.GetLayer(layerDigest)
		if err != nil {
			fail(err)

			return
		}

		layerPaths = append(layerPaths, layer.Path)
	}

	storagePath := info.StoragePath
	if storagePath == "" {
		storagePath = filepath.Join(l.cfg.StorageDir, instanceID)
	}

	statePath := info.StatePath
	if statePath == "" {
		statePath = filepath.Join(l.cfg.StateDir, instanceID)
	}

	info.StoragePath = storagePath
	info.StatePath = statePath

	if err := l.bundles.PrepareServiceStorage(storagePath, info.UID, service.GID); err != nil {
		fail(err)

		return
	}

	networkID := info.NetworkParams.NetworkID

	nsPath, err := l.network.AddInstanceToNetwork(ctx, instanceID, info.NetworkParams)
	if err != nil {
		fail(fmt.Errorf("network setup failed: %w", err))

		return
	}

	runtimeDir := l.runtimeDir(info.InstanceIdent)

	bundleCfg := runtime.BundleConfig{
		Instance:             info,
		ServiceGID:           service.GID,
		ImageConfigPath:      parts.ImageConfigPath,
		ServiceFSPath:        parts.ServiceFSPath,
		LayerPaths:           layerPaths,
		NetworkNamespacePath: nsPath,
		Hosts:                l.cfg.Hosts,
		HostBinds:            l.cfg.HostBinds,
	}

	if err := l.bundles.PrepareBundle(ctx, runtimeDir, bundleCfg); err != nil {
		fail(err)

		return
	}

	status := l.runner.StartInstance(ctx, instanceID, runtimeDir, l.cfg.RunParameters)

	if err := l.storage.AddInstance(info); err != nil {
		l.logger.Error("failed to persist instance", "instanceID", instanceID, "error", err)
	}

	record(status, service.Version, parts.LayerDigests, networkID)

	l.logger.InfoContext(ctx, "instance start finished",
		"instanceID", instanceID, "state", status.State)
}

func (l *Launcher) runStatusLocked() []types.RunStatus {
	statuses := make([]types.RunStatus, 0, len(l.current))

	for _, instance := range l.current {
		statuses = append(statuses, instance.status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].InstanceID < statuses[j].InstanceID
	})

	return statuses
}

func (l *Launcher) runtimeDir(ident types.InstanceIdent) string {
	return filepath.Join(l.cfg.WorkDir, "runtime", ident.ID())
}

func networkParamsEqual(a, b types.NetworkParams) bool {
	if a.NetworkID != b.NetworkID || a.Subnet != b.Subnet || a.IP != b.IP || a.VlanID != b.VlanID ||
		a.DownloadLimit != b.DownloadLimit || a.UploadLimit != b.UploadLimit {
		return false
	}

	if len(a.DNSServers) != len(b.DNSServers) || len(a.FirewallRules) != len(b.FirewallRules) ||
		len(a.Hosts) != len(b.Hosts) {
		return false
	}

	for i := range a.DNSServers {
		if a.DNSServers[i] != b.DNSServers[i] {
			return false
		}
	}

	for i := range a.FirewallRules {
		if a.FirewallRules[i] != b.FirewallRules[i] {
			return false
		}
	}

	for i := range a.Hosts {
		if a.Hosts[i] != b.Hosts[i] {
			return false
		}
	}

	return true
}
