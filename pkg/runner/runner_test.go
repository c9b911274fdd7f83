package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/servicemanager/pkg/types"
)

type fakeConn struct {
	mu    sync.Mutex
	units map[string]UnitStatus

	startErr error
	stopped  []string
	reset    []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{units: make(map[string]UnitStatus)}
}

func (c *fakeConn) setUnit(name string, state UnitState, exitCode *int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.units[name] = UnitStatus{Name: name, ActiveState: state, ExitCode: exitCode}
}

func (c *fakeConn) ListUnits(ctx context.Context) ([]UnitStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	units := make([]UnitStatus, 0, len(c.units))
	for _, unit := range c.units {
		units = append(units, unit)
	}

	return units, nil
}

func (c *fakeConn) GetUnitStatus(ctx context.Context, name string) (UnitStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unit, ok := c.units[name]
	if !ok {
		return UnitStatus{}, fmt.Errorf("unit %s: %w", name, types.ErrNotFound)
	}

	return unit, nil
}

func (c *fakeConn) StartUnit(ctx context.Context, name, mode string, timeout time.Duration) error {
	if c.startErr != nil {
		return c.startErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.units[name]; !ok {
		c.units[name] = UnitStatus{Name: name, ActiveState: UnitStateActivating}
	}

	return nil
}

func (c *fakeConn) StopUnit(ctx context.Context, name, mode string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.units[name]; !ok {
		return fmt.Errorf("unit %s: %w", name, types.ErrNotFound)
	}

	delete(c.units, name)
	c.stopped = append(c.stopped, name)

	return nil
}

func (c *fakeConn) ResetFailedUnit(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reset = append(c.reset, name)

	return nil
}

func (c *fakeConn) Close() error { return nil }

type statusRecorder struct {
	mu       sync.Mutex
	statuses [][]types.RunStatus
}

func (r *statusRecorder) UpdateRunStatus(statuses []types.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, statuses)
}

func (r *statusRecorder) snapshots() [][]types.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([][]types.RunStatus{}, r.statuses...)
}

func newTestRunner(t *testing.T, conn *fakeConn) (*Runner, *statusRecorder) {
	t.Helper()

	recorder := &statusRecorder{}

	r := New(recorder, func(ctx context.Context) (SystemdConn, error) { return conn, nil })
	r.dropInsDir = t.TempDir()
	r.pollPeriod = 20 * time.Millisecond

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	return r, recorder
}

func TestUnitNameRoundTrip(t *testing.T) {
	for _, instanceID := range []string{"svc.subj.0", "a", "service-1.subject-2.42"} {
		unitName := CreateSystemdUnitName(instanceID)
		assert.Equal(t, "aos-service@"+instanceID+".service", unitName)

		parsed, err := CreateInstanceID(unitName)
		require.NoError(t, err)
		assert.Equal(t, instanceID, parsed)
	}
}

func TestCreateInstanceIDInvalid(t *testing.T) {
	for _, unitName := range []string{"nginx.service", "aos-service@bad.timer", "aos-other@x.service", ""} {
		_, err := CreateInstanceID(unitName)
		assert.ErrorIs(t, err, types.ErrInvalidArgument)
	}
}

func TestStartInstanceImmediatelyActive(t *testing.T) {
	conn := newFakeConn()
	r, _ := newTestRunner(t, conn)

	unitName := CreateSystemdUnitName("svc.subj.0")
	conn.setUnit(unitName, UnitStateActive, nil)

	status := r.StartInstance(context.Background(), "svc.subj.0", t.TempDir(), types.RunParameters{})

	assert.Equal(t, types.InstanceStateActive, status.State)
	assert.NoError(t, status.Err)
}

func TestStartInstanceWritesDropIn(t *testing.T) {
	conn := newFakeConn()
	r, _ := newTestRunner(t, conn)

	unitName := CreateSystemdUnitName("svc.subj.0")
	conn.setUnit(unitName, UnitStateActive, nil)

	params := types.RunParameters{
		StartInterval:   10 * time.Second,
		StartBurst:      5,
		RestartInterval: 3 * time.Second,
	}

	r.StartInstance(context.Background(), "svc.subj.0", t.TempDir(), params)

	dropIn := filepath.Join(r.dropInsDir, unitName+".d", parametersFileName)

	content, err := os.ReadFile(dropIn)
	require.NoError(t, err)

	expected := "[Unit]\nStartLimitIntervalSec=10s\nStartLimitBurst=5\n\n[Service]\nRestartSec=3s\n"
	assert.Equal(t, expected, string(content))

	info, err := os.Stat(dropIn)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(dropIn))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), dirInfo.Mode().Perm())
}

func TestStartInstanceFailsWithExitCode(t *testing.T) {
	conn := newFakeConn()
	r, _ := newTestRunner(t, conn)

	instanceID := "svc.subj.0"
	unitName := CreateSystemdUnitName(instanceID)

	// The unit hangs in activating, then the supervisor reports failure;
	// the monitor must wake the starter with the final state.
	go func() {
		time.Sleep(50 * time.Millisecond)

		exitCode := 137
		conn.setUnit(unitName, UnitStateFailed, &exitCode)
	}()

	status := r.StartInstance(context.Background(), instanceID, t.TempDir(),
		types.RunParameters{StartInterval: time.Second})

	assert.Equal(t, types.InstanceStateFailed, status.State)
	assert.Equal(t, 137, status.ExitCode)
	require.Error(t, status.Err)

	// No running entry remains, and the drop-in stays until StopInstance.
	r.mu.Lock()
	_, running := r.runningUnits[unitName]
	r.mu.Unlock()
	assert.False(t, running)

	_, err := os.Stat(filepath.Join(r.dropInsDir, unitName+".d", parametersFileName))
	assert.NoError(t, err)
}

func TestStopInstanceRemovesDropIn(t *testing.T) {
	conn := newFakeConn()
	r, _ := newTestRunner(t, conn)

	instanceID := "svc.subj.0"
	unitName := CreateSystemdUnitName(instanceID)
	conn.setUnit(unitName, UnitStateActive, nil)

	r.StartInstance(context.Background(), instanceID, t.TempDir(), types.RunParameters{})

	require.NoError(t, r.StopInstance(context.Background(), instanceID))

	_, err := os.Stat(filepath.Join(r.dropInsDir, unitName+".d"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []string{unitName}, conn.stopped)
	assert.Equal(t, []string{unitName}, conn.reset)
}

func TestStopInstanceUnknownUnitTolerated(t *testing.T) {
	conn := newFakeConn()
	r, _ := newTestRunner(t, conn)

	assert.NoError(t, r.StopInstance(context.Background(), "svc.subj.9"))
}

func TestMonitorPublishesOnChange(t *testing.T) {
	conn := newFakeConn()
	r, recorder := newTestRunner(t, conn)

	instanceID := "svc.subj.0"
	unitName := CreateSystemdUnitName(instanceID)
	conn.setUnit(unitName, UnitStateActive, nil)

	status := r.StartInstance(context.Background(), instanceID, t.TempDir(), types.RunParameters{})
	require.Equal(t, types.InstanceStateActive, status.State)

	// The unit crashes; the monitor must publish the failed snapshot.
	exitCode := 1
	conn.setUnit(unitName, UnitStateFailed, &exitCode)

	require.Eventually(t, func() bool {
		for _, snapshot := range recorder.snapshots() {
			for _, s := range snapshot {
				if s.InstanceID == instanceID && s.State == types.InstanceStateFailed {
					return true
				}
			}
		}

		return false
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorNeverReportsUnobservedActive(t *testing.T) {
	conn := newFakeConn()
	_, recorder := newTestRunner(t, conn)

	// A unit that was never started through the runner must not surface.
	conn.setUnit(CreateSystemdUnitName("ghost.subj.0"), UnitStateActive, nil)

	time.Sleep(100 * time.Millisecond)

	for _, snapshot := range recorder.snapshots() {
		for _, s := range snapshot {
			assert.NotEqual(t, "ghost.subj.0", s.InstanceID)
		}
	}
}

func TestFillRunParametersDefaults(t *testing.T) {
	params := fillRunParameters(types.RunParameters{})

	assert.Equal(t, defaultStartInterval, params.StartInterval)
	assert.Equal(t, uint(defaultStartBurst), params.StartBurst)
	assert.Equal(t, defaultRestartInterval, params.RestartInterval)
}
