// Package servicemanager keeps the catalog of installed service versions.
// A service is identified by (serviceID, version); at most one version of a
// service is Active at a time. GetImageParts reports the overlay layer
// digests a service's manifest lists; installing a service does not change
// the state of those layers.
package servicemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/singleflight"

	"github.com/openfleet/servicemanager/pkg/spaceallocator"
	"github.com/openfleet/servicemanager/pkg/types"
)

// Storage is the catalog persistence the manager requires.
type Storage interface {
	AddService(service types.ServiceData) error
	UpdateService(service types.ServiceData) error
	RemoveService(serviceID, version string) error
	GetService(serviceID, version string) (types.ServiceData, error)
	GetServiceVersions(serviceID string) ([]types.ServiceData, error)
	GetAllServices() ([]types.ServiceData, error)
}

// Downloader fetches a remote artifact into a local file.
type Downloader interface {
	Download(ctx context.Context, url, dest string, size uint64, sha256 []byte) error
}

// ImageInstaller unpacks a validated service archive.
type ImageInstaller interface {
	InstallService(ctx context.Context, archivePath, installDir string, service types.ServiceInfo) (digest.Digest, uint64, error)
	ServiceManifest(path string) (*ocispec.Manifest, error)
	ValidateService(path string) error
}

// Config tunes the service manager.
type Config struct {
	ServicesDir string
	DownloadDir string
	TTL         time.Duration
}

// ImageParts locates the pieces of an installed service image the runtime
// mounts and inspects.
type ImageParts struct {
	ImageConfigPath string
	ServiceFSPath   string
	LayerDigests    []digest.Digest
}

// Manager is the service catalog.
type Manager struct {
	cfg           Config
	storage       Storage
	downloader    Downloader
	installer     ImageInstaller
	serviceSpace  *spaceallocator.Allocator
	downloadSpace *spaceallocator.Allocator
	logger        *slog.Logger

	installGroup singleflight.Group

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the service manager and registers cached rows with the space
// allocator.
func New(cfg Config, storage Storage, downloader Downloader, installer ImageInstaller,
	serviceSpace, downloadSpace *spaceallocator.Allocator,
) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:           cfg,
		storage:       storage,
		downloader:    downloader,
		installer:     installer,
		serviceSpace:  serviceSpace,
		downloadSpace: downloadSpace,
		logger:        slog.Default().With("component", "servicemanager"),
		ctx:           ctx,
		cancel:        cancel,
	}

	services, err := storage.GetAllServices()
	if err != nil {
		cancel()

		return nil, err
	}

	for _, service := range services {
		if service.State == types.StateCached {
			serviceSpace.AddOutdatedItem(serviceKey(service.ServiceID, service.Version), service.Size, service.Timestamp)
		}
	}

	return m, nil
}

// Close aborts in-flight installs and blocks further operations.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	m.cancel()
}

// ProcessDesiredServices ensures every desired (serviceID, version) is
// installed and Active, demoting replaced versions and services absent from
// the desired set to Cached. Install failures are per-service.
func (m *Manager) ProcessDesiredServices(ctx context.Context, desired []types.ServiceInfo) (map[string]error, error) {
	if err := m.checkClosed(); err != nil {
		return nil, err
	}

	failed := make(map[string]error)

	var (
		failedMu sync.Mutex
		wg       sync.WaitGroup
	)

	desiredSet := make(map[string]string, len(desired))

	for _, info := range desired {
		desiredSet[info.ServiceID] = info.Version

		wg.Add(1)

		go func(info types.ServiceInfo) {
			defer wg.Done()

			if err := m.ensureService(ctx, info); err != nil {
				failedMu.Lock()
				failed[info.ServiceID] = err
				failedMu.Unlock()
			}
		}(info)
	}

	wg.Wait()

	services, err := m.storage.GetAllServices()
	if err != nil {
		return failed, err
	}

	for _, service := range services {
		version, ok := desiredSet[service.ServiceID]
		if (ok && version == service.Version) || service.State != types.StateActive {
			continue
		}

		if err := m.cacheService(ctx, service); err != nil {
			return failed, err
		}
	}

	return failed, nil
}

// GetService returns the Active row of a service ID.
func (m *Manager) GetService(serviceID string) (types.ServiceData, error) {
	versions, err := m.storage.GetServiceVersions(serviceID)
	if err != nil {
		return types.ServiceData{}, err
	}

	for _, service := range versions {
		if service.State == types.StateActive {
			return service, nil
		}
	}

	return types.ServiceData{}, fmt.Errorf("service %s: %w", serviceID, types.ErrNotFound)
}

// GetAllServices returns the whole catalog for the launcher removal sweep.
func (m *Manager) GetAllServices() ([]types.ServiceData, error) {
	return m.storage.GetAllServices()
}

// GetImageParts resolves the blob paths and layer digests of an installed
// service.
func (m *Manager) GetImageParts(service types.ServiceData) (ImageParts, error) {
	manifest, err := m.installer.ServiceManifest(service.ImagePath)
	if err != nil {
		return ImageParts{}, err
	}

	parts := ImageParts{
		ImageConfigPath: blobPath(service.ImagePath, manifest.Config.Digest),
		ServiceFSPath:   blobPath(service.ImagePath, manifest.Layers[0].Digest),
	}

	// Layers beyond the rootfs are shared overlay layers by digest.
	for _, descriptor := range manifest.Layers[1:] {
		parts.LayerDigests = append(parts.LayerDigests, descriptor.Digest)
	}

	return parts, nil
}

// RemoveDamagedServiceFolders drops rows whose image path is gone and
// unknown folders under the services directory. Startup only.
func (m *Manager) RemoveDamagedServiceFolders(ctx context.Context) error {
	services, err := m.storage.GetAllServices()
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(services))

	for _, service := range services {
		if err := m.installer.ValidateService(service.ImagePath); err != nil {
			m.logger.WarnContext(ctx, "removing damaged service row",
				"serviceID", service.ServiceID, "version", service.Version, "error", err)

			if err := m.removeService(service); err != nil {
				return err
			}

			if service.State == types.StateCached {
				m.serviceSpace.FreeOutdatedItem(serviceKey(service.ServiceID, service.Version))
			}

			continue
		}

		known[service.ImagePath] = struct{}{}
	}

	serviceDirs, err := os.ReadDir(m.cfg.ServicesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read services dir: %w", err)
	}

	for _, serviceDir := range serviceDirs {
		if !serviceDir.IsDir() {
			continue
		}

		versions, err := os.ReadDir(filepath.Join(m.cfg.ServicesDir, serviceDir.Name()))
		if err != nil {
			return fmt.Errorf("read services dir: %w", err)
		}

		for _, version := range versions {
			path := filepath.Join(m.cfg.ServicesDir, serviceDir.Name(), version.Name())

			if _, ok := known[path]; !ok {
				m.logger.WarnContext(ctx, "removing unreferenced service folder", "path", path)

				if err := os.RemoveAll(path); err != nil {
					return fmt.Errorf("remove service folder: %w", err)
				}
			}
		}
	}

	return nil
}

// RemoveOutdated removes cached services older than the TTL.
func (m *Manager) RemoveOutdated(ctx context.Context) error {
	services, err := m.storage.GetAllServices()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(-m.cfg.TTL)

	for _, service := range services {
		if service.State != types.StateCached || service.Timestamp.After(deadline) {
			continue
		}

		m.logger.InfoContext(ctx, "removing outdated service",
			"serviceID", service.ServiceID, "version", service.Version)

		if err := m.removeService(service); err != nil {
			return err
		}

		m.serviceSpace.FreeOutdatedItem(serviceKey(service.ServiceID, service.Version))
	}

	return nil
}

// RemoveItem implements spaceallocator.ItemRemover for cached services.
func (m *Manager) RemoveItem(id string) error {
	serviceID, version, ok := parseServiceKey(id)
	if !ok {
		return fmt.Errorf("bad service key %q: %w", id, types.ErrInvalidArgument)
	}

	service, err := m.storage.GetService(serviceID, version)
	if err != nil {
		return err
	}

	if service.State == types.StateActive {
		return fmt.Errorf("service %s is active: %w", id, types.ErrInvalidArgument)
	}

	return m.removeService(service)
}

func (m *Manager) removeService(service types.ServiceData) error {
	if err := os.RemoveAll(service.ImagePath); err != nil {
		return fmt.Errorf("remove service folder: %w", err)
	}

	if err := m.storage.RemoveService(service.ServiceID, service.Version); err != nil {
		return fmt.Errorf("remove service row: %w", err)
	}

	return nil
}

func (m *Manager) cacheService(ctx context.Context, service types.ServiceData) error {
	service.State = types.StateCached
	service.Timestamp = time.Now()

	if err := m.storage.UpdateService(service); err != nil {
		return fmt.Errorf("demote service %s: %w", service.ServiceID, err)
	}

	m.serviceSpace.AddOutdatedItem(serviceKey(service.ServiceID, service.Version), service.Size, service.Timestamp)

	m.logger.InfoContext(ctx, "service cached", "serviceID", service.ServiceID, "version", service.Version)

	return nil
}

// ensureService makes one desired service version Active. Concurrent calls
// for the same (serviceID, version) coalesce.
func (m *Manager) ensureService(ctx context.Context, info types.ServiceInfo) error {
	_, err, _ := m.installGroup.Do(serviceKey(info.ServiceID, info.Version), func() (interface{}, error) {
		service, err := m.storage.GetService(info.ServiceID, info.Version)

		switch {
		case err == nil && service.State == types.StateActive:
			return nil, nil

		case err == nil:
			// Promotion from Cached is metadata-only.
			return nil, m.activateService(ctx, service)

		case errors.Is(err, types.ErrNotFound):
			return nil, m.installService(ctx, info)

		default:
			return nil, err
		}
	})

	return err
}

// activateService promotes a cached version, demoting any other Active
// version of the same service ID first so the single-Active invariant holds.
func (m *Manager) activateService(ctx context.Context, service types.ServiceData) error {
	versions, err := m.storage.GetServiceVersions(service.ServiceID)
	if err != nil {
		return err
	}

	for _, other := range versions {
		if other.Version != service.Version && other.State == types.StateActive {
			if err := m.cacheService(ctx, other); err != nil {
				return err
			}
		}
	}

	service.State = types.StateActive

	if err := m.storage.UpdateService(service); err != nil {
		return err
	}

	m.serviceSpace.RestoreOutdatedItem(serviceKey(service.ServiceID, service.Version))

	m.logger.InfoContext(ctx, "service restored",
		"serviceID", service.ServiceID, "version", service.Version)

	return nil
}

func (m *Manager) installService(ctx context.Context, info types.ServiceInfo) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("service manager closed: %w", types.ErrCancelled)
	}

	downloadSpace, err := m.downloadSpace.AllocateSpace(info.Size)
	if err != nil {
		return err
	}
	defer downloadSpace.Release()

	serviceSpace, err := m.serviceSpace.AllocateSpace(info.Size * 2)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(m.cfg.DownloadDir, fmt.Sprintf("%s-%s", info.ServiceID, info.Version))
	defer os.RemoveAll(archivePath)

	if err := m.downloader.Download(ctx, info.URL, archivePath, info.Size, info.SHA256); err != nil {
		serviceSpace.Release()

		return fmt.Errorf("download service: %w", err)
	}

	installDir := filepath.Join(m.cfg.ServicesDir, info.ServiceID, info.Version)

	manifestDigest, size, err := m.installer.InstallService(ctx, archivePath, installDir, info)
	if err != nil {
		serviceSpace.Release()

		return err
	}

	if err := serviceSpace.Resize(size); err != nil {
		os.RemoveAll(installDir)
		serviceSpace.Release()

		return err
	}

	// Demote the previously active version before the new row appears.
	versions, err := m.storage.GetServiceVersions(info.ServiceID)
	if err != nil {
		os.RemoveAll(installDir)
		serviceSpace.Release()

		return err
	}

	for _, other := range versions {
		if other.State == types.StateActive {
			if err := m.cacheService(ctx, other); err != nil {
				os.RemoveAll(installDir)
				serviceSpace.Release()

				return err
			}
		}
	}

	service := types.ServiceData{
		ServiceID:      info.ServiceID,
		ProviderID:     info.ProviderID,
		Version:        info.Version,
		GID:            info.GID,
		URL:            info.URL,
		SHA256:         info.SHA256,
		Size:           size,
		ImagePath:      installDir,
		ManifestDigest: manifestDigest,
		Timestamp:      time.Now(),
		State:          types.StateActive,
	}

	if err := m.storage.AddService(service); err != nil {
		os.RemoveAll(installDir)
		serviceSpace.Release()

		return err
	}

	if err := serviceSpace.Accept(); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "service installed",
		"serviceID", info.ServiceID, "version", info.Version, "path", installDir, "size", size)

	return nil
}

func (m *Manager) checkClosed() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("service manager closed: %w", types.ErrCancelled)
	}

	return nil
}

func serviceKey(serviceID, version string) string {
	return serviceID + "|" + version
}

func parseServiceKey(key string) (serviceID, version string, ok bool) {
	idx := strings.LastIndex(key, "|")
	if idx < 0 {
		return "", "", false
	}

	return key[:idx], key[idx+1:], true
}

func blobPath(basePath string, d digest.Digest) string {
	return filepath.Join(basePath, "blobs", string(d.Algorithm()), d.Encoded())
}
