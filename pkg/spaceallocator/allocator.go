// Package spaceallocator provides bounded, reference-aware disk reservations
// over one filesystem directory. Callers reserve bytes before an install,
// accept the reservation once the artifact is verified, and register cached
// artifacts as outdated so later reservations may evict them oldest-first.
package spaceallocator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openfleet/servicemanager/pkg/types"
)

// ItemRemover deletes an evictable item on behalf of the allocator. It is
// implemented by the catalog owning the item so the catalog row and the
// on-disk folder go away together.
type ItemRemover interface {
	RemoveItem(id string) error
}

// Platform probes partition sizes. Production uses statfs; tests fake it.
type Platform interface {
	TotalSize(path string) (uint64, error)
	AvailableSize(path string) (uint64, error)
}

// Allocator manages reservations for one partition directory. Two catalogs
// sharing a partition must share one Allocator instance.
type Allocator struct {
	mu sync.Mutex

	path     string
	limit    uint64 // byte budget, 0 means the native partition capacity
	platform Platform
	remover  ItemRemover
	logger   *slog.Logger

	pending   uint64 // reserved, not yet accepted
	itemsSize uint64 // accepted and registered items
	outdated  map[string]outdatedItem
}

type outdatedItem struct {
	size      uint64
	timestamp time.Time
}

// Space is a single not-yet-committed reservation.
type Space struct {
	allocator *Allocator
	size      uint64
	done      bool
}

// New creates an allocator for path. partLimit is the percent of the
// partition capacity the directory may consume; 0 means unbounded up to the
// native capacity.
func New(path string, partLimit uint, platform Platform, remover ItemRemover) (*Allocator, error) {
	a := &Allocator{
		path:     path,
		platform: platform,
		remover:  remover,
		logger:   slog.Default().With("partition", path),
		outdated: make(map[string]outdatedItem),
	}

	if partLimit > 0 {
		total, err := platform.TotalSize(path)
		if err != nil {
			return nil, fmt.Errorf("probe partition size: %w", err)
		}

		a.limit = total * uint64(partLimit) / 100
	}

	return a, nil
}

// AllocateSpace reserves size bytes, evicting outdated items oldest-first if
// the free budget is short. The reservation is all-or-nothing: on
// types.ErrOutOfSpace no bytes stay reserved.
func (a *Allocator) AllocateSpace(size uint64) (*Space, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	free, err := a.freeBudget()
	if err != nil {
		return nil, err
	}

	if free < size {
		if err := a.evict(size - free); err != nil {
			return nil, err
		}
	}

	a.pending += size

	return &Space{allocator: a, size: size}, nil
}

// Accept commits the reservation; the bytes now belong to an installed item
// and stay accounted until the owner frees them.
func (s *Space) Accept() error {
	a := s.allocator

	a.mu.Lock()
	defer a.mu.Unlock()

	if s.done {
		return fmt.Errorf("reservation finished: %w", types.ErrInvalidArgument)
	}

	s.done = true
	a.pending -= s.size
	a.itemsSize += s.size

	return nil
}

// Release cancels the reservation, returning the bytes to the free pool.
func (s *Space) Release() error {
	a := s.allocator

	a.mu.Lock()
	defer a.mu.Unlock()

	if s.done {
		return fmt.Errorf("reservation finished: %w", types.ErrInvalidArgument)
	}

	s.done = true
	a.pending -= s.size

	return nil
}

// Resize grows or shrinks a pending reservation, e.g. once the unpacked size
// of an archive is known. Growing may evict outdated items.
func (s *Space) Resize(newSize uint64) error {
	a := s.allocator

	a.mu.Lock()
	defer a.mu.Unlock()

	if s.done {
		return fmt.Errorf("reservation finished: %w", types.ErrInvalidArgument)
	}

	if newSize > s.size {
		grow := newSize - s.size

		free, err := a.freeBudget()
		if err != nil {
			return err
		}

		if free < grow {
			if err := a.evict(grow - free); err != nil {
				return err
			}
		}

		a.pending += grow
	} else {
		a.pending -= s.size - newSize
	}

	s.size = newSize

	return nil
}

// Size returns the current reservation size.
func (s *Space) Size() uint64 {
	s.allocator.mu.Lock()
	defer s.allocator.mu.Unlock()

	return s.size
}

// AddOutdatedItem registers a cached item as eligible for eviction. Items
// unknown to the allocator are also added to the accounted size, so catalogs
// may call this at startup for every cached row.
func (a *Allocator) AddOutdatedItem(id string, size uint64, timestamp time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.outdated[id]; !ok {
		a.itemsSize += size
	}

	a.outdated[id] = outdatedItem{size: size, timestamp: timestamp}
}

// RestoreOutdatedItem pins an item again: it stays accounted but is no
// longer evictable.
func (a *Allocator) RestoreOutdatedItem(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// itemsSize already includes the bytes, only the pin changes.
	delete(a.outdated, id)
}

// FreeOutdatedItem tells the allocator an outdated item was removed by its
// owner (TTL sweep); the bytes return to the free pool.
func (a *Allocator) FreeOutdatedItem(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if item, ok := a.outdated[id]; ok {
		delete(a.outdated, id)
		a.itemsSize -= item.size
	}
}

// FreeSpace returns bytes of a removed accepted item to the free pool.
func (a *Allocator) FreeSpace(size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size > a.itemsSize {
		a.itemsSize = 0

		return
	}

	a.itemsSize -= size
}

// freeBudget returns the bytes currently available for new reservations.
// Callers hold the mutex.
func (a *Allocator) freeBudget() (uint64, error) {
	avail, err := a.platform.AvailableSize(a.path)
	if err != nil {
		return 0, fmt.Errorf("probe available size: %w", err)
	}

	free := avail
	if free > a.pending {
		free -= a.pending
	} else {
		free = 0
	}

	if a.limit > 0 {
		used := a.itemsSize + a.pending

		budget := uint64(0)
		if a.limit > used {
			budget = a.limit - used
		}

		if budget < free {
			free = budget
		}
	}

	return free, nil
}

// evict removes outdated items oldest-first until at least need bytes were
// reclaimed. Callers hold the mutex.
func (a *Allocator) evict(need uint64) error {
	type candidate struct {
		id string
		outdatedItem
	}

	candidates := make([]candidate, 0, len(a.outdated))
	for id, item := range a.outdated {
		candidates = append(candidates, candidate{id: id, outdatedItem: item})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].timestamp.Before(candidates[j].timestamp)
	})

	var freed uint64

	for _, item := range candidates {
		if freed >= need {
			break
		}

		if err := a.remover.RemoveItem(item.id); err != nil {
			a.logger.Warn("failed to evict outdated item", "id", item.id, "error", err)

			continue
		}

		a.logger.Info("evicted outdated item", "id", item.id, "size", item.size)

		delete(a.outdated, item.id)
		a.itemsSize -= item.size
		freed += item.size
	}

	if freed < need {
		return fmt.Errorf("need %d more bytes on %s: %w", need-freed, a.path, types.ErrOutOfSpace)
	}

	return nil
}
