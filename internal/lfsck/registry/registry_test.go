package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGetRemove(t *testing.T) {
	r := New()
	r.Add(3)
	d, ok := r.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint16(3), d.Index)
	assert.False(t, d.Dead())
	d.Release()

	r.Remove(3)
	_, ok = r.Get(3)
	assert.False(t, ok) // refcount had already dropped to zero, so Remove freed it
	assert.Equal(t, 0, r.Count())
}

func TestWalkOrderAndRefcount(t *testing.T) {
	r := New()
	for _, idx := range []uint16{5, 1, 3} {
		r.Add(idx)
	}
	var seen []uint16
	r.Walk(func(d *TgtDesc) {
		seen = append(seen, d.Index)
	})
	assert.Equal(t, []uint16{1, 3, 5}, seen)
}

func TestPhaseDoneTransitions(t *testing.T) {
	r := New()
	d := r.Add(1)
	assert.False(t, d.LayoutDone())
	d.SetLayoutDone(true)
	assert.True(t, d.LayoutDone())
	assert.Equal(t, uint32(1), d.LayoutGen())
}

func TestRemoveKeepsDescriptorAliveUntilRefsDrop(t *testing.T) {
	r := New()
	r.Add(9)
	held, ok := r.Get(9) // refcount now 1, not released yet
	require.True(t, ok)

	r.Remove(9)
	assert.True(t, held.Dead())
	assert.Equal(t, 0, r.Count())

	// the descriptor stayed alive (not freed) while we held a reference,
	// even though it had already been removed from the bitmap.
	held.Release()
}

func TestReRegisterClearsDead(t *testing.T) {
	r := New()
	r.Add(7)
	r.Remove(7)
	d2 := r.Add(7)
	assert.False(t, d2.Dead())
	assert.Equal(t, 1, r.Count())
}
