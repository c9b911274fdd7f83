package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/servicemanager/pkg/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestServiceRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	service := types.ServiceData{
		ServiceID:      "svc",
		ProviderID:     "provider",
		Version:        "1.0",
		GID:            1000,
		URL:            "http://cm/svc",
		SHA256:         []byte{1, 2, 3},
		Size:           4096,
		ImagePath:      "/aos/services/svc/1.0",
		ManifestDigest: digest.FromString("manifest"),
		Timestamp:      time.Unix(1700000000, 0),
		State:          types.StateActive,
	}

	require.NoError(t, s.AddService(service))

	got, err := s.GetService("svc", "1.0")
	require.NoError(t, err)
	assert.Equal(t, service, got)

	// Duplicate keys are rejected.
	assert.ErrorIs(t, s.AddService(service), types.ErrAlreadyExists)

	service.State = types.StateCached
	require.NoError(t, s.UpdateService(service))

	got, err = s.GetService("svc", "1.0")
	require.NoError(t, err)
	assert.Equal(t, types.StateCached, got.State)

	require.NoError(t, s.RemoveService("svc", "1.0"))

	_, err = s.GetService("svc", "1.0")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestServiceVersions(t *testing.T) {
	s := newTestStorage(t)

	for _, version := range []string{"1.0", "2.0"} {
		require.NoError(t, s.AddService(types.ServiceData{
			ServiceID: "svc", Version: version, Timestamp: time.Unix(0, 0),
		}))
	}

	require.NoError(t, s.AddService(types.ServiceData{
		ServiceID: "other", Version: "1.0", Timestamp: time.Unix(0, 0),
	}))

	versions, err := s.GetServiceVersions("svc")
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	all, err := s.GetAllServices()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateMissingServiceFails(t *testing.T) {
	s := newTestStorage(t)

	err := s.UpdateService(types.ServiceData{ServiceID: "ghost", Version: "1.0", Timestamp: time.Unix(0, 0)})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLayerRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	layer := types.LayerData{
		LayerID:   "l1",
		Digest:    digest.FromString("l1"),
		Version:   "1",
		URL:       "http://cm/l1",
		SHA256:    []byte{9, 9},
		Size:      1024,
		Path:      "/aos/layers/sha256/abc",
		Timestamp: time.Unix(1700000000, 0),
		State:     types.StateActive,
	}

	require.NoError(t, s.AddLayer(layer))
	assert.ErrorIs(t, s.AddLayer(layer), types.ErrAlreadyExists)

	got, err := s.GetLayer(layer.Digest)
	require.NoError(t, err)
	assert.Equal(t, layer, got)

	layer.State = types.StateCached
	require.NoError(t, s.UpdateLayer(layer))

	all, err := s.GetAllLayers()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.StateCached, all[0].State)

	require.NoError(t, s.RemoveLayer(layer.Digest))

	_, err = s.GetLayer(layer.Digest)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInstanceRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	info := types.InstanceInfo{
		InstanceIdent: types.InstanceIdent{ServiceID: "svc", SubjectID: "subj", Instance: 2},
		UID:           5000,
		Priority:      7,
		StoragePath:   "/aos/storages/svc.subj.2",
		StatePath:     "/aos/states/svc.subj.2",
		NetworkParams: types.NetworkParams{
			NetworkID:  "net0",
			IP:         "172.19.0.5",
			DNSServers: []string{"172.19.0.1"},
		},
	}

	require.NoError(t, s.AddInstance(info))

	all, err := s.GetAllInstances()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, info, all[0])

	require.NoError(t, s.RemoveInstance(info.InstanceIdent))

	all, err = s.GetAllInstances()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTrafficData(t *testing.T) {
	s := newTestStorage(t)

	now := time.Unix(1700000000, 0)

	require.NoError(t, s.SetTrafficData("AOS_IN_x", now, 12345))

	ts, value, err := s.GetTrafficData("AOS_IN_x")
	require.NoError(t, err)
	assert.Equal(t, now, ts)
	assert.Equal(t, uint64(12345), value)

	require.NoError(t, s.RemoveTrafficData("AOS_IN_x"))

	_, _, err = s.GetTrafficData("AOS_IN_x")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestJournalCursor(t *testing.T) {
	s := newTestStorage(t)

	cursor, err := s.GetJournalCursor()
	require.NoError(t, err)
	assert.Empty(t, cursor)

	require.NoError(t, s.SetJournalCursor("s=abc;i=42"))

	cursor, err = s.GetJournalCursor()
	require.NoError(t, err)
	assert.Equal(t, "s=abc;i=42", cursor)
}
