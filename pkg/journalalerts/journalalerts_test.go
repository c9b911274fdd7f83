package journalalerts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/servicemanager/pkg/types"
)

type fakeReader struct {
	mu      sync.Mutex
	entries []*JournalEntry
	pos     int
	sought  string
	tailed  bool
}

func (r *fakeReader) SeekCursor(cursor string) error {
	r.sought = cursor

	return nil
}

func (r *fakeReader) SeekTail() error {
	r.tailed = true

	return nil
}

func (r *fakeReader) Next() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos >= len(r.entries) {
		return false, nil
	}

	r.pos++

	return true, nil
}

func (r *fakeReader) Entry() (*JournalEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.entries[r.pos-1], nil
}

func (r *fakeReader) Wait(timeout time.Duration) error {
	time.Sleep(time.Millisecond)

	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeSender struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (s *fakeSender) SendAlert(alert types.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, alert)

	return nil
}

func (s *fakeSender) sent() []types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]types.Alert{}, s.alerts...)
}

type fakeCursorStore struct {
	mu     sync.Mutex
	cursor string
}

func (s *fakeCursorStore) SetJournalCursor(cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursor = cursor

	return nil
}

func (s *fakeCursorStore) GetJournalCursor() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursor, nil
}

func defaultConfig() Config {
	return Config{ServiceAlertPriority: 4, SystemAlertPriority: 3}
}

func collectAlerts(t *testing.T, cfg Config, entries ...*JournalEntry) []types.Alert {
	t.Helper()

	reader := &fakeReader{entries: entries}
	sender := &fakeSender{}
	store := &fakeCursorStore{}

	alerts, err := New(cfg, reader, sender, store)
	require.NoError(t, err)

	alerts.Start()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()

		return reader.pos >= len(reader.entries)
	}, time.Second, 5*time.Millisecond)

	alerts.Stop()

	return sender.sent()
}

func TestServiceInstanceAlertFromSliceUnit(t *testing.T) {
	// The unit field carries the full cgroup path of the service unit.
	entries := []*JournalEntry{{
		Cursor:      "c1",
		SystemdUnit: "/system.slice/system-aos@service.slice/aos-service@service0.service",
		Priority:    3,
		Message:     "Hello",
	}}

	sent := collectAlerts(t, defaultConfig(), entries...)

	require.Len(t, sent, 1)

	alert, ok := sent[0].(types.ServiceInstanceAlert)
	require.True(t, ok)
	assert.Equal(t, "service0", alert.Instance)
	assert.Equal(t, "Hello", alert.Message)
}

func TestSystemAlertPriorityCutoff(t *testing.T) {
	entries := []*JournalEntry{
		{Cursor: "c1", SystemdUnit: "sshd.service", Priority: 2, Message: "bad"},
		{Cursor: "c2", SystemdUnit: "sshd.service", Priority: 6, Message: "info"},
	}

	sent := collectAlerts(t, defaultConfig(), entries...)

	require.Len(t, sent, 1)

	alert, ok := sent[0].(types.SystemAlert)
	require.True(t, ok)
	assert.Equal(t, "bad", alert.Message)
}

func TestCoreAlert(t *testing.T) {
	entries := []*JournalEntry{{
		Cursor: "c1", SystemdUnit: "aos-servicemanager.service", Priority: 2, Message: "panic",
	}}

	sent := collectAlerts(t, defaultConfig(), entries...)

	require.Len(t, sent, 1)

	alert, ok := sent[0].(types.CoreAlert)
	require.True(t, ok)
	assert.Equal(t, "servicemanager", alert.CoreComponent)
}

func TestFilterSuppressesMatching(t *testing.T) {
	cfg := defaultConfig()
	cfg.Filter = []string{"noisy .* message"}

	entries := []*JournalEntry{
		{Cursor: "c1", SystemdUnit: "sshd.service", Priority: 1, Message: "noisy repeated message"},
		{Cursor: "c2", SystemdUnit: "sshd.service", Priority: 1, Message: "real problem"},
	}

	sent := collectAlerts(t, cfg, entries...)

	require.Len(t, sent, 1)
	assert.Equal(t, "real problem", sent[0].(types.SystemAlert).Message)
}

func TestServiceAlertPriorityCutoff(t *testing.T) {
	entries := []*JournalEntry{
		{Cursor: "c1", SystemdUnit: "aos-service@svc.sub.0.service", Priority: 7, Message: "chatty"},
		{Cursor: "c2", SystemdUnit: "aos-service@svc.sub.0.service", Priority: 4, Message: "warning"},
	}

	sent := collectAlerts(t, defaultConfig(), entries...)

	require.Len(t, sent, 1)
	assert.Equal(t, "warning", sent[0].(types.ServiceInstanceAlert).Message)
}

func TestCursorPersistedOnStop(t *testing.T) {
	reader := &fakeReader{entries: []*JournalEntry{
		{Cursor: "c9", SystemdUnit: "sshd.service", Priority: 1, Message: "x"},
	}}
	sender := &fakeSender{}
	store := &fakeCursorStore{}

	alerts, err := New(defaultConfig(), reader, sender, store)
	require.NoError(t, err)

	alerts.Start()

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()

		return reader.pos >= len(reader.entries)
	}, time.Second, 5*time.Millisecond)

	alerts.Stop()

	assert.Equal(t, "c9", store.cursor)
}

func TestSeeksStoredCursor(t *testing.T) {
	reader := &fakeReader{}
	store := &fakeCursorStore{cursor: "stored"}

	alerts, err := New(defaultConfig(), reader, &fakeSender{}, store)
	require.NoError(t, err)

	_ = alerts

	assert.Equal(t, "stored", reader.sought)
	assert.False(t, reader.tailed)
}

func TestInvalidFilterRejected(t *testing.T) {
	cfg := defaultConfig()
	cfg.Filter = []string{"("}

	_, err := New(cfg, &fakeReader{}, &fakeSender{}, &fakeCursorStore{})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}
