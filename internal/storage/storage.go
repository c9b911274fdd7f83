// Package storage persists service manager state in SQLite: desired
// instances, the service and layer catalogs, per-chain traffic counters and
// the journal cursor. Access is single-writer; concurrent readers are safe
// because every call takes the same mutex.
package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"

	"github.com/openfleet/servicemanager/pkg/types"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// Storage is the SQLite-backed store.
type Storage struct {
	mu sync.Mutex
	db *sqlx.DB
}

type serviceRow struct {
	ServiceID      string `db:"service_id"`
	Version        string `db:"version"`
	ProviderID     string `db:"provider_id"`
	GID            uint32 `db:"gid"`
	URL            string `db:"url"`
	SHA256         []byte `db:"sha256"`
	Size           uint64 `db:"size"`
	ImagePath      string `db:"image_path"`
	ManifestDigest string `db:"manifest_digest"`
	Timestamp      int64  `db:"timestamp"`
	State          int    `db:"state"`
}

type layerRow struct {
	Digest    string `db:"digest"`
	LayerID   string `db:"layer_id"`
	Version   string `db:"version"`
	URL       string `db:"url"`
	SHA256    []byte `db:"sha256"`
	Size      uint64 `db:"size"`
	Path      string `db:"path"`
	Timestamp int64  `db:"timestamp"`
	State     int    `db:"state"`
}

type instanceRow struct {
	ServiceID     string `db:"service_id"`
	SubjectID     string `db:"subject_id"`
	Instance      int64  `db:"instance"`
	UID           uint32 `db:"uid"`
	Priority      uint64 `db:"priority"`
	StoragePath   string `db:"storage_path"`
	StatePath     string `db:"state_path"`
	NetworkParams string `db:"network_params"`
}

// New opens (creating if needed) the database at path and applies pending
// migrations in lexical order.
func New(path string) (*Storage, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	s := &Storage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func (s *Storage) migrate() error {
	entries, err := fs.Glob(migrationFiles, "migration/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	sort.Strings(entries)

	for _, entry := range entries {
		schema, err := migrationFiles.ReadFile(entry)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry, err)
		}

		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry, err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// AddService inserts a service catalog row.
func (s *Storage) AddService(service types.ServiceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO services
		(service_id, version, provider_id, gid, url, sha256, size, image_path, manifest_digest, timestamp, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		service.ServiceID, service.Version, service.ProviderID, service.GID, service.URL,
		service.SHA256, service.Size, service.ImagePath, string(service.ManifestDigest),
		service.Timestamp.Unix(), int(service.State))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("service %s %s: %w", service.ServiceID, service.Version, types.ErrAlreadyExists)
		}

		return fmt.Errorf("add service: %w", err)
	}

	return nil
}

// UpdateService rewrites an existing service catalog row.
func (s *Storage) UpdateService(service types.ServiceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE services SET provider_id = ?, gid = ?, url = ?, sha256 = ?, size = ?,
		image_path = ?, manifest_digest = ?, timestamp = ?, state = ?
		WHERE service_id = ? AND version = ?`,
		service.ProviderID, service.GID, service.URL, service.SHA256, service.Size,
		service.ImagePath, string(service.ManifestDigest), service.Timestamp.Unix(), int(service.State),
		service.ServiceID, service.Version)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}

	return checkAffected(res)
}

// RemoveService deletes a service catalog row.
func (s *Storage) RemoveService(serviceID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM services WHERE service_id = ? AND version = ?`, serviceID, version)
	if err != nil {
		return fmt.Errorf("remove service: %w", err)
	}

	return nil
}

// GetService returns one service version row.
func (s *Storage) GetService(serviceID, version string) (types.ServiceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row serviceRow

	if err := s.db.Get(&row, `SELECT * FROM services WHERE service_id = ? AND version = ?`,
		serviceID, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ServiceData{}, fmt.Errorf("service %s %s: %w", serviceID, version, types.ErrNotFound)
		}

		return types.ServiceData{}, fmt.Errorf("get service: %w", err)
	}

	return row.toData(), nil
}

// GetServiceVersions returns all rows of one service ID.
func (s *Storage) GetServiceVersions(serviceID string) ([]types.ServiceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []serviceRow

	if err := s.db.Select(&rows, `SELECT * FROM services WHERE service_id = ?`, serviceID); err != nil {
		return nil, fmt.Errorf("get service versions: %w", err)
	}

	return servicesToData(rows), nil
}

// GetAllServices returns the whole service catalog.
func (s *Storage) GetAllServices() ([]types.ServiceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []serviceRow

	if err := s.db.Select(&rows, `SELECT * FROM services`); err != nil {
		return nil, fmt.Errorf("get all services: %w", err)
	}

	return servicesToData(rows), nil
}

// AddLayer inserts a layer catalog row.
func (s *Storage) AddLayer(layer types.LayerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO layers
		(digest, layer_id, version, url, sha256, size, path, timestamp, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(layer.Digest), layer.LayerID, layer.Version, layer.URL, layer.SHA256,
		layer.Size, layer.Path, layer.Timestamp.Unix(), int(layer.State))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("layer %s: %w", layer.Digest, types.ErrAlreadyExists)
		}

		return fmt.Errorf("add layer: %w", err)
	}

	return nil
}

// UpdateLayer rewrites an existing layer catalog row.
func (s *Storage) UpdateLayer(layer types.LayerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE layers SET layer_id = ?, version = ?, url = ?, sha256 = ?, size = ?,
		path = ?, timestamp = ?, state = ? WHERE digest = ?`,
		layer.LayerID, layer.Version, layer.URL, layer.SHA256, layer.Size,
		layer.Path, layer.Timestamp.Unix(), int(layer.State), string(layer.Digest))
	if err != nil {
		return fmt.Errorf("update layer: %w", err)
	}

	return checkAffected(res)
}

// RemoveLayer deletes a layer catalog row.
func (s *Storage) RemoveLayer(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM layers WHERE digest = ?`, string(d))
	if err != nil {
		return fmt.Errorf("remove layer: %w", err)
	}

	return nil
}

// GetLayer returns a layer row by content digest.
func (s *Storage) GetLayer(d digest.Digest) (types.LayerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row layerRow

	if err := s.db.Get(&row, `SELECT * FROM layers WHERE digest = ?`, string(d)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.LayerData{}, fmt.Errorf("layer %s: %w", d, types.ErrNotFound)
		}

		return types.LayerData{}, fmt.Errorf("get layer: %w", err)
	}

	return row.toData(), nil
}

// GetAllLayers returns the whole layer catalog.
func (s *Storage) GetAllLayers() ([]types.LayerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []layerRow

	if err := s.db.Select(&rows, `SELECT * FROM layers`); err != nil {
		return nil, fmt.Errorf("get all layers: %w", err)
	}

	layers := make([]types.LayerData, 0, len(rows))
	for _, row := range rows {
		layers = append(layers, row.toData())
	}

	return layers, nil
}

// AddInstance stores a desired instance row.
func (s *Storage) AddInstance(info types.InstanceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := json.Marshal(info.NetworkParams)
	if err != nil {
		return fmt.Errorf("marshal network params: %w", err)
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO instances
		(service_id, subject_id, instance, uid, priority, storage_path, state_path, network_params)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ServiceID, info.SubjectID, info.Instance, info.UID, info.Priority,
		info.StoragePath, info.StatePath, string(params))
	if err != nil {
		return fmt.Errorf("add instance: %w", err)
	}

	return nil
}

// RemoveInstance deletes a desired instance row.
func (s *Storage) RemoveInstance(ident types.InstanceIdent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM instances WHERE service_id = ? AND subject_id = ? AND instance = ?`,
		ident.ServiceID, ident.SubjectID, ident.Instance)
	if err != nil {
		return fmt.Errorf("remove instance: %w", err)
	}

	return nil
}

// GetAllInstances returns every stored instance row.
func (s *Storage) GetAllInstances() ([]types.InstanceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []instanceRow

	if err := s.db.Select(&rows, `SELECT * FROM instances`); err != nil {
		return nil, fmt.Errorf("get all instances: %w", err)
	}

	infos := make([]types.InstanceInfo, 0, len(rows))

	for _, row := range rows {
		info := types.InstanceInfo{
			InstanceIdent: types.InstanceIdent{
				ServiceID: row.ServiceID,
				SubjectID: row.SubjectID,
				Instance:  row.Instance,
			},
			UID:         row.UID,
			Priority:    row.Priority,
			StoragePath: row.StoragePath,
			StatePath:   row.StatePath,
		}

		if err := json.Unmarshal([]byte(row.NetworkParams), &info.NetworkParams); err != nil {
			return nil, fmt.Errorf("unmarshal network params: %w", err)
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// SetTrafficData stores a traffic counter for an iptables chain.
func (s *Storage) SetTrafficData(chain string, timestamp time.Time, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO network_traffic (chain, timestamp, value) VALUES (?, ?, ?)`,
		chain, timestamp.Unix(), value)
	if err != nil {
		return fmt.Errorf("set traffic data: %w", err)
	}

	return nil
}

// GetTrafficData reads a stored traffic counter.
func (s *Storage) GetTrafficData(chain string) (time.Time, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row struct {
		Timestamp int64  `db:"timestamp"`
		Value     uint64 `db:"value"`
	}

	if err := s.db.Get(&row, `SELECT timestamp, value FROM network_traffic WHERE chain = ?`, chain); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, 0, fmt.Errorf("traffic chain %s: %w", chain, types.ErrNotFound)
		}

		return time.Time{}, 0, fmt.Errorf("get traffic data: %w", err)
	}

	return time.Unix(row.Timestamp, 0), row.Value, nil
}

// RemoveTrafficData drops a traffic counter.
func (s *Storage) RemoveTrafficData(chain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM network_traffic WHERE chain = ?`, chain)
	if err != nil {
		return fmt.Errorf("remove traffic data: %w", err)
	}

	return nil
}

// SetJournalCursor stores the last processed journal cursor.
func (s *Storage) SetJournalCursor(cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE config SET journal_cursor = ?`, cursor)
	if err != nil {
		return fmt.Errorf("set journal cursor: %w", err)
	}

	return nil
}

// GetJournalCursor reads the last processed journal cursor.
func (s *Storage) GetJournalCursor() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cursor string

	if err := s.db.Get(&cursor, `SELECT journal_cursor FROM config`); err != nil {
		return "", fmt.Errorf("get journal cursor: %w", err)
	}

	return cursor, nil
}

func (r serviceRow) toData() types.ServiceData {
	return types.ServiceData{
		ServiceID:      r.ServiceID,
		ProviderID:     r.ProviderID,
		Version:        r.Version,
		GID:            r.GID,
		URL:            r.URL,
		SHA256:         r.SHA256,
		Size:           r.Size,
		ImagePath:      r.ImagePath,
		ManifestDigest: digest.Digest(r.ManifestDigest),
		Timestamp:      time.Unix(r.Timestamp, 0),
		State:          types.ArtifactState(r.State),
	}
}

func (r layerRow) toData() types.LayerData {
	return types.LayerData{
		LayerID:   r.LayerID,
		Digest:    digest.Digest(r.Digest),
		Version:   r.Version,
		URL:       r.URL,
		SHA256:    r.SHA256,
		Size:      r.Size,
		Path:      r.Path,
		Timestamp: time.Unix(r.Timestamp, 0),
		State:     types.ArtifactState(r.State),
	}
}

func servicesToData(rows []serviceRow) []types.ServiceData {
	services := make([]types.ServiceData, 0, len(rows))
	for _, row := range rows {
		services = append(services, row.toData())
	}

	return services
}

func checkAffected(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if count == 0 {
		return types.ErrNotFound
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error

	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
