package spaceallocator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/servicemanager/pkg/types"
)

type fakePlatform struct {
	total     uint64
	available uint64
}

func (p *fakePlatform) TotalSize(string) (uint64, error)     { return p.total, nil }
func (p *fakePlatform) AvailableSize(string) (uint64, error) { return p.available, nil }

type fakeRemover struct {
	removed []string
	fail    map[string]error
}

func (r *fakeRemover) RemoveItem(id string) error {
	if err := r.fail[id]; err != nil {
		return err
	}

	r.removed = append(r.removed, id)

	return nil
}

func TestAllocateAndAccept(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 1000}

	allocator, err := New(t.TempDir(), 0, platform, &fakeRemover{})
	require.NoError(t, err)

	space, err := allocator.AllocateSpace(300)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), space.Size())

	require.NoError(t, space.Accept())

	// A finished reservation cannot be finished twice.
	assert.ErrorIs(t, space.Release(), types.ErrInvalidArgument)
}

func TestAllocateOutOfSpace(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 100}

	allocator, err := New(t.TempDir(), 0, platform, &fakeRemover{})
	require.NoError(t, err)

	_, err = allocator.AllocateSpace(500)
	assert.ErrorIs(t, err, types.ErrOutOfSpace)
}

func TestReleaseReturnsBytes(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 400}

	allocator, err := New(t.TempDir(), 0, platform, &fakeRemover{})
	require.NoError(t, err)

	space, err := allocator.AllocateSpace(400)
	require.NoError(t, err)

	// Everything is reserved; a second reservation must fail.
	_, err = allocator.AllocateSpace(1)
	require.ErrorIs(t, err, types.ErrOutOfSpace)

	require.NoError(t, space.Release())

	_, err = allocator.AllocateSpace(400)
	assert.NoError(t, err)
}

func TestEvictionOldestFirst(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 100}
	remover := &fakeRemover{}

	allocator, err := New(t.TempDir(), 0, platform, remover)
	require.NoError(t, err)

	now := time.Now()

	allocator.AddOutdatedItem("newest", 200, now)
	allocator.AddOutdatedItem("oldest", 200, now.Add(-2*time.Hour))
	allocator.AddOutdatedItem("middle", 200, now.Add(-time.Hour))

	// 100 free + 200 evicted covers the request with one eviction.
	_, err = allocator.AllocateSpace(250)
	require.NoError(t, err)

	assert.Equal(t, []string{"oldest"}, remover.removed)
}

func TestEvictionSkipsFailingItem(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 0}
	remover := &fakeRemover{fail: map[string]error{"stuck": errors.New("busy")}}

	allocator, err := New(t.TempDir(), 0, platform, remover)
	require.NoError(t, err)

	now := time.Now()

	allocator.AddOutdatedItem("stuck", 100, now.Add(-2*time.Hour))
	allocator.AddOutdatedItem("ok", 100, now.Add(-time.Hour))

	_, err = allocator.AllocateSpace(100)
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, remover.removed)
}

func TestEvictionInsufficientReturnsOutOfSpace(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 0}
	remover := &fakeRemover{}

	allocator, err := New(t.TempDir(), 0, platform, remover)
	require.NoError(t, err)

	allocator.AddOutdatedItem("small", 50, time.Now())

	_, err = allocator.AllocateSpace(500)
	assert.ErrorIs(t, err, types.ErrOutOfSpace)
}

func TestPartLimitBoundsAllocations(t *testing.T) {
	// 10% of 1000 = 100 byte budget, regardless of free disk.
	platform := &fakePlatform{total: 1000, available: 1000}

	allocator, err := New(t.TempDir(), 10, platform, &fakeRemover{})
	require.NoError(t, err)

	space, err := allocator.AllocateSpace(80)
	require.NoError(t, err)
	require.NoError(t, space.Accept())

	_, err = allocator.AllocateSpace(80)
	assert.ErrorIs(t, err, types.ErrOutOfSpace)
}

func TestRestoreOutdatedItemPins(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 0}
	remover := &fakeRemover{}

	allocator, err := New(t.TempDir(), 0, platform, remover)
	require.NoError(t, err)

	allocator.AddOutdatedItem("pinned", 100, time.Now().Add(-time.Hour))
	allocator.RestoreOutdatedItem("pinned")

	// The pinned item is no longer evictable.
	_, err = allocator.AllocateSpace(100)
	require.ErrorIs(t, err, types.ErrOutOfSpace)
	assert.Empty(t, remover.removed)
}

func TestFreeOutdatedItemReturnsBudget(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 1000}

	// The remover cannot evict, so only an explicit free returns the budget.
	remover := &fakeRemover{fail: map[string]error{"cached": errors.New("busy")}}

	allocator, err := New(t.TempDir(), 10, platform, remover)
	require.NoError(t, err)

	allocator.AddOutdatedItem("cached", 100, time.Now())

	_, err = allocator.AllocateSpace(50)
	require.ErrorIs(t, err, types.ErrOutOfSpace)

	allocator.FreeOutdatedItem("cached")

	_, err = allocator.AllocateSpace(50)
	assert.NoError(t, err)
}

func TestResizeGrowsAndShrinks(t *testing.T) {
	platform := &fakePlatform{total: 1000, available: 300}

	allocator, err := New(t.TempDir(), 0, platform, &fakeRemover{})
	require.NoError(t, err)

	space, err := allocator.AllocateSpace(100)
	require.NoError(t, err)

	require.NoError(t, space.Resize(300))
	assert.Equal(t, uint64(300), space.Size())

	_, err = allocator.AllocateSpace(1)
	require.ErrorIs(t, err, types.ErrOutOfSpace)

	require.NoError(t, space.Resize(100))

	_, err = allocator.AllocateSpace(100)
	assert.NoError(t, err)
}
