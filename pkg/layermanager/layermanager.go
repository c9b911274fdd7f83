// Package layermanager keeps the catalog of installed overlay layers, keyed
// by content digest, and installs missing layers on demand through the
// downloader and image handler.
package layermanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/openfleet/servicemanager/pkg/spaceallocator"
	"github.com/openfleet/servicemanager/pkg/types"
)

// Storage is the catalog persistence the manager requires.
type Storage interface {
	AddLayer(layer types.LayerData) error
	UpdateLayer(layer types.LayerData) error
	RemoveLayer(d digest.Digest) error
	GetLayer(d digest.Digest) (types.LayerData, error)
	GetAllLayers() ([]types.LayerData, error)
}

// Downloader fetches a remote artifact into a local file.
type Downloader interface {
	Download(ctx context.Context, url, dest string, size uint64, sha256 []byte) error
}

// ImageInstaller unpacks a validated layer archive.
type ImageInstaller interface {
	InstallLayer(ctx context.Context, archivePath, installBasePath string, layer types.LayerInfo) (string, uint64, error)
}

// Config tunes the layer manager.
type Config struct {
	LayersDir   string
	DownloadDir string
	TTL         time.Duration
}

// Manager is the layer catalog.
type Manager struct {
	cfg           Config
	storage       Storage
	downloader    Downloader
	installer     ImageInstaller
	layerSpace    *spaceallocator.Allocator
	downloadSpace *spaceallocator.Allocator
	logger        *slog.Logger

	installGroup singleflight.Group

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	ctx    context.Context
}

// New creates the layer manager and registers every cached row with the
// space allocator so it is eligible for eviction.
func New(cfg Config, storage Storage, downloader Downloader, installer ImageInstaller,
	layerSpace, downloadSpace *spaceallocator.Allocator,
) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:           cfg,
		storage:       storage,
		downloader:    downloader,
		installer:     installer,
		layerSpace:    layerSpace,
		downloadSpace: downloadSpace,
		logger:        slog.Default().With("component", "layermanager"),
		ctx:           ctx,
		cancel:        cancel,
	}

	layers, err := storage.GetAllLayers()
	if err != nil {
		cancel()

		return nil, err
	}

	for _, layer := range layers {
		if layer.State == types.StateCached {
			layerSpace.AddOutdatedItem(string(layer.Digest), layer.Size, layer.Timestamp)
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

// ProcessDesiredLayers makes every desired digest Active, installing missing
// layers, and demotes Active layers absent from the desired set to Cached.
// Install failures are per-digest: the returned map names the digests that
// could not be ensured; other layers are unaffected.
func (m *Manager) ProcessDesiredLayers(ctx context.Context, desired []types.LayerInfo) (map[digest.Digest]error, error) {
	if err := m.checkClosed(); err != nil {
		return nil, err
	}

	failed := make(map[digest.Digest]error)

	var (
		failedMu sync.Mutex
		wg       sync.WaitGroup
	)

	desiredSet := make(map[digest.Digest]struct{}, len(desired))

	for _, info := range desired {
		desiredSet[info.Digest] = struct{}{}

		wg.Add(1)

		go func(info types.LayerInfo) {
			defer wg.Done()

			if err := m.ensureLayer(ctx, info); err != nil {
				failedMu.Lock()
				failed[info.Digest] = err
				failedMu.Unlock()
			}
		}(info)
	}

	wg.Wait()

	layers, err := m.storage.GetAllLayers()
	if err != nil {
		return failed, err
	}

	for _, layer := range layers {
		if _, ok := desiredSet[layer.Digest]; ok || layer.State != types.StateActive {
			continue
		}

		layer.State = types.StateCached
		layer.Timestamp = time.Now()

		if err := m.storage.UpdateLayer(layer); err != nil {
			return failed, fmt.Errorf("demote layer %s: %w", layer.Digest, err)
		}

		m.layerSpace.AddOutdatedItem(string(layer.Digest), layer.Size, layer.Timestamp)

		m.logger.InfoContext(ctx, "layer cached", "digest", layer.Digest)
	}

	return failed, nil
}

// GetLayer returns the catalog row of an installed layer.
func (m *Manager) GetLayer(d digest.Digest) (types.LayerData, error) {
	return m.storage.GetLayer(d)
}

// RemoveDamagedLayerFolders drops catalog rows whose install path no longer
// exists and unknown folders under the layers directory. Startup only.
func (m *Manager) RemoveDamagedLayerFolders(ctx context.Context) error {
	layers, err := m.storage.GetAllLayers()
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(layers))

	for _, layer := range layers {
		if _, err := os.Stat(layer.Path); err != nil {
			m.logger.WarnContext(ctx, "removing damaged layer row", "digest", layer.Digest, "path", layer.Path)

			if err := m.storage.RemoveLayer(layer.Digest); err != nil {
				return err
			}

			if layer.State == types.StateCached {
				m.layerSpace.FreeOutdatedItem(string(layer.Digest))
			}

			continue
		}

		known[layer.Path] = struct{}{}
	}

	// Unreferenced folders: layersDir/<algorithm>/<encoded>
	algorithms, err := os.ReadDir(m.cfg.LayersDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read layers dir: %w", err)
	}

	for _, algorithm := range algorithms {
		if !algorithm.IsDir() {
			continue
		}

		algorithmDir := filepath.Join(m.cfg.LayersDir, algorithm.Name())

		entries, err := os.ReadDir(algorithmDir)
		if err != nil {
			return fmt.Errorf("read layers dir: %w", err)
		}

		for _, entry := range entries {
			path := filepath.Join(algorithmDir, entry.Name())

			if _, ok := known[path]; !ok {
				m.logger.WarnContext(ctx, "removing unreferenced layer folder", "path", path)

				if err := os.RemoveAll(path); err != nil {
					return fmt.Errorf("remove layer folder: %w", err)
				}
			}
		}
	}

	return nil
}

// RemoveOutdated removes cached layers older than the TTL and frees their
// space. Active layers are never touched.
func (m *Manager) RemoveOutdated(ctx context.Context) error {
	layers, err := m.storage.GetAllLayers()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(-m.cfg.TTL)

	for _, layer := range layers {
		if layer.State != types.StateCached || layer.Timestamp.After(deadline) {
			continue
		}

		m.logger.InfoContext(ctx, "removing outdated layer", "digest", layer.Digest)

		if err := m.removeLayer(layer); err != nil {
			return err
		}

		m.layerSpace.FreeOutdatedItem(string(layer.Digest))
	}

	return nil
}

// RemoveItem implements spaceallocator.ItemRemover: eviction of one cached
// layer on behalf of the allocator. The allocator adjusts its own accounting.
func (m *Manager) RemoveItem(id string) error {
	layer, err := m.storage.GetLayer(digest.Digest(id))
	if err != nil {
		return err
	}

	if layer.State == types.StateActive {
		return fmt.Errorf("layer %s is active: %w", id, types.ErrInvalidArgument)
	}

	return m.removeLayer(layer)
}

func (m *Manager) removeLayer(layer types.LayerData) error {
	if err := os.RemoveAll(layer.Path); err != nil {
		return fmt.Errorf("remove layer folder: %w", err)
	}

	if err := m.storage.RemoveLayer(layer.Digest); err != nil {
		return fmt.Errorf("remove layer row: %w", err)
	}

	return nil
}

// ensureLayer makes one desired layer Active. Concurrent calls for the same
// digest coalesce into a single install.
func (m *Manager) ensureLayer(ctx context.Context, info types.LayerInfo) error {
	_, err, _ := m.installGroup.Do(string(info.Digest), func() (interface{}, error) {
		layer, err := m.storage.GetLayer(info.Digest)

		switch {
		case err == nil && layer.State == types.StateActive:
			return nil, nil

		case err == nil:
			// Re-install with the same digest is a metadata-only promotion.
			layer.State = types.StateActive

			if err := m.storage.UpdateLayer(layer); err != nil {
				return nil, err
			}

			m.layerSpace.RestoreOutdatedItem(string(layer.Digest))

			m.logger.InfoContext(ctx, "layer restored", "digest", layer.Digest)

			return nil, nil

		case errors.Is(err, types.ErrNotFound):
			return nil, m.installLayer(ctx, info)

		default:
			return nil, err
		}
	})

	return err
}

// installLayer runs the five-step install: reserve, download, unpack,
// verify, persist. The catalog row appears only after a verified install.
func (m *Manager) installLayer(ctx context.Context, info types.LayerInfo) error {
	// Close() aborts in-flight installs through m.ctx.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("layer manager closed: %w", types.ErrCancelled)
	}

	downloadSpace, err := m.downloadSpace.AllocateSpace(info.Size)
	if err != nil {
		return err
	}
	defer downloadSpace.Release()

	layerSpace, err := m.layerSpace.AllocateSpace(info.Size * 2)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(m.cfg.DownloadDir, info.Digest.Encoded())
	defer os.RemoveAll(archivePath)

	if err := m.downloader.Download(ctx, info.URL, archivePath, info.Size, info.SHA256); err != nil {
		layerSpace.Release()

		return fmt.Errorf("download layer: %w", err)
	}

	path, size, err := m.installer.InstallLayer(ctx, archivePath, m.cfg.LayersDir, info)
	if err != nil {
		layerSpace.Release()

		return err
	}

	if err := layerSpace.Resize(size); err != nil {
		os.RemoveAll(path)
		layerSpace.Release()

		return err
	}

	layer := types.LayerData{
		LayerID:   info.LayerID,
		Digest:    info.Digest,
		Version:   info.Version,
		URL:       info.URL,
		SHA256:    info.SHA256,
		Size:      size,
		Path:      path,
		Timestamp: time.Now(),
		State:     types.StateActive,
	}

	if err := m.storage.AddLayer(layer); err != nil {
		os.RemoveAll(path)
		layerSpace.Release()

		return err
	}

	if err := layerSpace.Accept(); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "layer installed", "digest", info.Digest, "path", path, "size", size)

	return nil
}

func (m *Manager) checkClosed() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("layer manager closed: %w", types.ErrCancelled)
	}

	return nil
}
