// Package runner adapts the service manager to the host supervisor: it
// starts and stops instance units, writes per-unit restart-policy drop-ins
// and watches unit state transitions, publishing run status updates.
package runner

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

	"github.com/openfleet/servicemanager/pkg/types"
	"github.com/openfleet/servicemanager/pkg/utils"
)

const (
	unitPrefix = "aos-service@"
	unitSuffix = ".service"

	parametersFileName = "parameters.conf"
	systemdDropInsDir  = "/run/systemd/system"

	statusPollPeriod    = 5 * time.Second
	startTimeMultiplier = 5
	defaultStopTimeout  = 10 * time.Second

	defaultStartInterval   = 5 * time.Second
	defaultStartBurst      = 3
	defaultRestartInterval = 1 * time.Second
)

// UnitState mirrors the supervisor's unit active states.
type UnitState string

const (
	UnitStateActive       UnitState = "active"
	UnitStateInactive     UnitState = "inactive"
	UnitStateFailed       UnitState = "failed"
	UnitStateActivating   UnitState = "activating"
	UnitStateDeactivating UnitState = "deactivating"
)

// UnitStatus is the observed state of one supervisor unit.
type UnitStatus struct {
	Name        string
	ActiveState UnitState
	ExitCode    *int
}

// SystemdConn is the capability the runner needs from the host supervisor.
type SystemdConn interface {
	ListUnits(ctx context.Context) ([]UnitStatus, error)
	GetUnitStatus(ctx context.Context, name string) (UnitStatus, error)
	StartUnit(ctx context.Context, name, mode string, timeout time.Duration) error
	StopUnit(ctx context.Context, name, mode string, timeout time.Duration) error
	ResetFailedUnit(ctx context.Context, name string) error
	Close() error
}

// RunStatusReceiver consumes run status snapshots from the monitor.
type RunStatusReceiver interface {
	UpdateRunStatus(statuses []types.RunStatus)
}

// ConnFactory opens a supervisor connection; called on every Start so a lost
// connection is re-established by the next Start.
type ConnFactory func(ctx context.Context) (SystemdConn, error)

type startingUnit struct {
	runState UnitState
	exitCode *int
	terminal chan struct{} // closed once the monitor observes failure
	failed   bool
}

type runningUnit struct {
	runState types.InstanceRunState
	exitCode *int
}

// Runner supervises instance units.
type Runner struct {
	mu sync.Mutex

	receiver    RunStatusReceiver
	connFactory ConnFactory
	conn        SystemdConn
	dropInsDir  string
	logger      *slog.Logger

	pollPeriod    time.Duration
	closed        bool
	closedCh      chan struct{}
	monitorDone   chan struct{}
	startingUnits map[string]*startingUnit
	runningUnits  map[string]runningUnit
	lastPublished int
}

// New creates a runner publishing to receiver.
func New(receiver RunStatusReceiver, connFactory ConnFactory) *Runner {
	return &Runner{
		receiver:      receiver,
		connFactory:   connFactory,
		dropInsDir:    systemdDropInsDir,
		pollPeriod:    statusPollPeriod,
		logger:        slog.Default().With("component", "runner"),
		closed:        true,
		startingUnits: make(map[string]*startingUnit),
		runningUnits:  make(map[string]runningUnit),
	}
}

// Start connects to the supervisor and launches the monitor.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		return nil
	}

	conn, err := r.connFactory(ctx)
	if err != nil {
		return fmt.Errorf("connect to supervisor: %w", err)
	}

	r.conn = conn
	r.closed = false
	r.closedCh = make(chan struct{})
	r.monitorDone = make(chan struct{})

	go r.monitorUnits()

	return nil
}

// Stop wakes all waiters, joins the monitor and drops the supervisor
// connection.
func (r *Runner) Stop() error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}

	r.logger.Debug("stopping runner")

	r.closed = true
	close(r.closedCh)

	monitorDone := r.monitorDone
	r.mu.Unlock()

	<-monitorDone

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}

	return nil
}

// StartInstance writes the unit drop-in, starts the unit and waits up to the
// start interval for it to become active. A non-active terminal outcome is
// reported as Failed with the unit's exit code; no running entry remains.
func (r *Runner) StartInstance(ctx context.Context, instanceID, runtimeDir string, params types.RunParameters) types.RunStatus {
	status := types.RunStatus{InstanceID: instanceID, State: types.InstanceStateFailed}

	params = fillRunParameters(params)

	r.logger.DebugContext(ctx, "starting instance", "instanceID", instanceID,
		"startInterval", params.StartInterval, "startBurst", params.StartBurst,
		"restartInterval", params.RestartInterval)

	unitName := CreateSystemdUnitName(instanceID)

	if err := r.setRunParameters(unitName, params); err != nil {
		status.Err = err

		return status
	}

	startTimeout := startTimeMultiplier * params.StartInterval

	if err := r.connForCall().StartUnit(ctx, unitName, "replace", startTimeout); err != nil {
		status.Err = err

		return status
	}

	state, exitCode, err := r.waitStartingUnit(ctx, unitName, params.StartInterval)

	status.State = state
	status.Err = err

	if exitCode != nil {
		status.ExitCode = *exitCode
	}

	r.logger.DebugContext(ctx, "instance start finished", "unit", unitName,
		"state", status.State, "error", status.Err)

	return status
}

// StopInstance stops the unit, clears its failed state and removes the
// drop-in. A unit the supervisor no longer knows is not an error.
func (r *Runner) StopInstance(ctx context.Context, instanceID string) error {
	r.logger.DebugContext(ctx, "stopping instance", "instanceID", instanceID)

	unitName := CreateSystemdUnitName(instanceID)

	r.mu.Lock()
	delete(r.runningUnits, unitName)
	r.mu.Unlock()

	var firstErr error

	if err := r.connForCall().StopUnit(ctx, unitName, "replace", defaultStopTimeout); err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			firstErr = err
		} else {
			r.logger.DebugContext(ctx, "unit not loaded", "unit", unitName)
		}
	}

	if err := r.connForCall().ResetFailedUnit(ctx, unitName); err != nil {
		if !errors.Is(err, types.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}

	if err := r.removeRunParameters(unitName); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// CreateSystemdUnitName renders the unit name of an instance ID.
func CreateSystemdUnitName(instanceID string) string {
	return unitPrefix + instanceID + unitSuffix
}

// CreateInstanceID parses an instance ID back out of a unit name.
func CreateInstanceID(unitName string) (string, error) {
	if !strings.HasPrefix(unitName, unitPrefix) || !strings.HasSuffix(unitName, unitSuffix) {
		return "", fmt.Errorf("not a service unit name %q: %w", unitName, types.ErrInvalidArgument)
	}

	return strings.TrimSuffix(strings.TrimPrefix(unitName, unitPrefix), unitSuffix), nil
}

func fillRunParameters(params types.RunParameters) types.RunParameters {
	if params.StartInterval == 0 {
		params.StartInterval = defaultStartInterval
	}

	if params.StartBurst == 0 {
		params.StartBurst = defaultStartBurst
	}

	if params.RestartInterval == 0 {
		params.RestartInterval = defaultRestartInterval
	}

	return params
}

func (r *Runner) connForCall() SystemdConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn
}

// waitStartingUnit registers the unit and waits for the monitor to observe a
// terminal transition, up to startInterval.
func (r *Runner) waitStartingUnit(ctx context.Context, unitName string, startInterval time.Duration) (types.InstanceRunState, *int, error) {
	initial, err := r.connForCall().GetUnitStatus(ctx, unitName)
	if err != nil {
		return types.InstanceStateFailed, nil, fmt.Errorf("get unit status: %w", err)
	}

	r.mu.Lock()

	unit := &startingUnit{
		runState: initial.ActiveState,
		exitCode: initial.ExitCode,
		terminal: make(chan struct{}),
	}
	r.startingUnits[unitName] = unit

	closedCh := r.closedCh
	r.mu.Unlock()

	if initial.ActiveState != UnitStateActive && initial.ActiveState != UnitStateFailed {
		select {
		case <-unit.terminal:
		case <-time.After(startInterval):
		case <-closedCh:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runState := unit.runState
	exitCode := unit.exitCode

	delete(r.startingUnits, unitName)

	if runState != UnitStateActive {
		err := fmt.Errorf("failed to start unit: %w", types.ErrFailed)
		if exitCode != nil {
			err = &types.ExitCodeError{ExitCode: *exitCode, Cause: err}
		}

		return types.InstanceStateFailed, exitCode, err
	}

	r.runningUnits[unitName] = runningUnit{runState: types.InstanceStateActive, exitCode: exitCode}

	return types.InstanceStateActive, exitCode, nil
}

// monitorUnits is the single watch loop: it polls the supervisor, forwards
// transitions to starting units and publishes a snapshot whenever a running
// unit changed or the set shrank or grew.
func (r *Runner) monitorUnits() {
	defer close(r.monitorDone)

	for {
		select {
		case <-r.closedCh:
			return
		case <-time.After(r.pollPeriod):
		}

		units, err := r.conn.ListUnits(context.Background())
		if err != nil {
			r.logger.Error("supervisor list units failed, monitor exiting", "error", err)

			return
		}

		r.mu.Lock()

		unitChanged := false

		for _, unit := range units {
			if starting, ok := r.startingUnits[unit.Name]; ok {
				starting.runState = unit.ActiveState
				starting.exitCode = unit.ExitCode

				// The supervisor never leaves the failed state on its own;
				// tell the waiting starter about the final state.
				if unit.ActiveState == UnitStateFailed && !starting.failed {
					starting.failed = true
					close(starting.terminal)
				}
			}

			if running, ok := r.runningUnits[unit.Name]; ok {
				instanceState := toInstanceState(unit.ActiveState)

				if instanceState != running.runState || !exitCodesEqual(unit.ExitCode, running.exitCode) {
					r.runningUnits[unit.Name] = runningUnit{runState: instanceState, exitCode: unit.ExitCode}
					unitChanged = true
				}
			}
		}

		var statuses []types.RunStatus

		if unitChanged || len(r.runningUnits) != r.lastPublished {
			statuses = r.runningInstancesLocked()
			r.lastPublished = len(r.runningUnits)
		}

		r.mu.Unlock()

		if statuses != nil {
			r.receiver.UpdateRunStatus(statuses)
		}
	}
}

func (r *Runner) runningInstancesLocked() []types.RunStatus {
	statuses := make([]types.RunStatus, 0, len(r.runningUnits))

	for unitName, unit := range r.runningUnits {
		instanceID, err := CreateInstanceID(unitName)
		if err != nil {
			continue
		}

		status := types.RunStatus{InstanceID: instanceID, State: unit.runState}

		if unit.exitCode != nil {
			status.ExitCode = *unit.exitCode

			if unit.runState == types.InstanceStateFailed {
				status.Err = &types.ExitCodeError{ExitCode: *unit.exitCode, Cause: types.ErrFailed}
			}
		}

		statuses = append(statuses, status)
	}

	return statuses
}

func (r *Runner) setRunParameters(unitName string, params types.RunParameters) error {
	content := fmt.Sprintf("[Unit]\nStartLimitIntervalSec=%ds\nStartLimitBurst=%d\n\n[Service]\nRestartSec=%ds\n",
		int(params.StartInterval.Seconds()), params.StartBurst, int(params.RestartInterval.Seconds()))

	parametersDir := filepath.Join(r.dropInsDir, unitName+".d")

	if err := os.MkdirAll(parametersDir, 0o755); err != nil {
		return fmt.Errorf("create drop-in dir: %w", err)
	}

	if err := utils.WriteFileAtomic(filepath.Join(parametersDir, parametersFileName), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write drop-in: %w", err)
	}

	return nil
}

func (r *Runner) removeRunParameters(unitName string) error {
	if err := os.RemoveAll(filepath.Join(r.dropInsDir, unitName+".d")); err != nil {
		return fmt.Errorf("remove drop-in dir: %w", err)
	}

	return nil
}

func toInstanceState(state UnitState) types.InstanceRunState {
	if state == UnitStateActive {
		return types.InstanceStateActive
	}

	return types.InstanceStateFailed
}

func exitCodesEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}
