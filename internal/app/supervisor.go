package app

import (
	"log/slog"
)

// Supervisor owns explicit shutdown ordering: components register in init
// order and are stopped in reverse. Every stop runs even when an earlier one
// fails; the first error is surfaced.
type Supervisor struct {
	components []component
	logger     *slog.Logger
}

type component struct {
	name string
	stop func() error
}

// NewSupervisor creates an empty shutdown stack.
func NewSupervisor() *Supervisor {
	return &Supervisor{logger: slog.Default().With("component", "supervisor")}
}

// Add registers a component stop function.
func (s *Supervisor) Add(name string, stop func() error) {
	s.components = append(s.components, component{name: name, stop: stop})
}

// Shutdown stops all components in reverse init order.
func (s *Supervisor) Shutdown() error {
	var firstErr error

	for i := len(s.components) - 1; i >= 0; i-- {
		c := s.components[i]

		s.logger.Debug("stopping component", "name", c.name)

		if err := c.stop(); err != nil {
			s.logger.Error("component stop failed", "name", c.name, "error", err)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
