package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/openfleet/servicemanager/pkg/types"
)

const noSuchUnitErr = "org.freedesktop.systemd1.NoSuchUnit"

// dbusConn is the production SystemdConn over the system dbus.
type dbusConn struct {
	conn *dbus.Conn
}

// NewSystemdConn opens the system dbus connection to the supervisor.
func NewSystemdConn(ctx context.Context) (SystemdConn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}

	return &dbusConn{conn: conn}, nil
}

func (c *dbusConn) ListUnits(ctx context.Context) ([]UnitStatus, error) {
	units, err := c.conn.ListUnitsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}

	statuses := make([]UnitStatus, 0, len(units))

	for _, unit := range units {
		status := UnitStatus{
			Name:        unit.Name,
			ActiveState: UnitState(unit.ActiveState),
		}

		// The exit code lives in the service's ExecMainStatus property; only
		// terminal units are worth the extra round trip.
		if status.ActiveState == UnitStateFailed && strings.HasPrefix(unit.Name, unitPrefix) {
			if code, err := c.execMainStatus(ctx, unit.Name); err == nil {
				status.ExitCode = &code
			}
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

func (c *dbusConn) GetUnitStatus(ctx context.Context, name string) (UnitStatus, error) {
	property, err := c.conn.GetUnitPropertyContext(ctx, name, "ActiveState")
	if err != nil {
		return UnitStatus{}, mapDBusError(err)
	}

	state, ok := property.Value.Value().(string)
	if !ok {
		return UnitStatus{}, fmt.Errorf("unexpected ActiveState type: %w", types.ErrFailed)
	}

	status := UnitStatus{Name: name, ActiveState: UnitState(state)}

	if status.ActiveState == UnitStateFailed {
		if code, err := c.execMainStatus(ctx, name); err == nil {
			status.ExitCode = &code
		}
	}

	return status, nil
}

func (c *dbusConn) StartUnit(ctx context.Context, name, mode string, timeout time.Duration) error {
	return c.runJob(ctx, name, mode, timeout, c.conn.StartUnitContext)
}

func (c *dbusConn) StopUnit(ctx context.Context, name, mode string, timeout time.Duration) error {
	return c.runJob(ctx, name, mode, timeout, c.conn.StopUnitContext)
}

func (c *dbusConn) ResetFailedUnit(ctx context.Context, name string) error {
	if err := c.conn.ResetFailedUnitContext(ctx, name); err != nil {
		return mapDBusError(err)
	}

	return nil
}

func (c *dbusConn) Close() error {
	c.conn.Close()

	return nil
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// runJob submits a unit job and waits for its completion result.
func (c *dbusConn) runJob(ctx context.Context, name, mode string, timeout time.Duration, job jobFunc) error {
	result := make(chan string, 1)

	if _, err := job(ctx, name, mode, result); err != nil {
		return mapDBusError(err)
	}

	select {
	case outcome := <-result:
		if outcome != "done" && outcome != "skipped" {
			return fmt.Errorf("unit job finished with %q: %w", outcome, types.ErrFailed)
		}

		return nil

	case <-time.After(timeout):
		return fmt.Errorf("unit job %s: %w", name, types.ErrTimeout)

	case <-ctx.Done():
		return fmt.Errorf("unit job %s: %w", name, types.ErrCancelled)
	}
}

func (c *dbusConn) execMainStatus(ctx context.Context, name string) (int, error) {
	property, err := c.conn.GetServicePropertyContext(ctx, name, "ExecMainStatus")
	if err != nil {
		return 0, mapDBusError(err)
	}

	code, ok := property.Value.Value().(int32)
	if !ok {
		return 0, fmt.Errorf("unexpected ExecMainStatus type: %w", types.ErrFailed)
	}

	return int(code), nil
}

func mapDBusError(err error) error {
	if err == nil {
		return nil
	}

	if strings.Contains(err.Error(), noSuchUnitErr) {
		return fmt.Errorf("%s: %w", err, types.ErrNotFound)
	}

	return err
}
