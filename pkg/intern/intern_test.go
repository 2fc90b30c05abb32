package intern

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_Intern(t *testing.T) {
	tbl := NewTable()

	a := tbl.Intern("render")
	b := tbl.Intern("physics")
	require.Equal(t, uint32(1), a)
	require.Equal(t, uint32(2), b)

	// Repeated interning is stable.
	assert.Equal(t, a, tbl.Intern("render"))
	assert.Equal(t, 2, tbl.Len())

	name, ok := tbl.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "render", name)

	_, ok = tbl.Lookup(42)
	assert.False(t, ok)
	assert.Equal(t, "", tbl.MustLookup(42))
}

func TestTable_Since(t *testing.T) {
	tbl := NewTable()
	tbl.Intern("a")
	mark := tbl.NextID() - 1
	tbl.Intern("b")
	tbl.Intern("c")

	delta := tbl.Since(mark)
	require.Equal(t, []Entry{{ID: 2, Name: "b"}, {ID: 3, Name: "c"}}, delta)

	assert.Equal(t, []Entry{
		{ID: 1, Name: "a"},
		{ID: 2, Name: "b"},
		{ID: 3, Name: "c"},
	}, tbl.Snapshot())
}

func TestTable_Apply(t *testing.T) {
	src := NewTable()
	src.Intern("a")
	src.Intern("b")

	dst := NewTable()
	require.NoError(t, dst.Apply(src.Snapshot()))
	assert.Equal(t, "b", dst.MustLookup(2))

	// Idempotent.
	require.NoError(t, dst.Apply(src.Snapshot()))
	assert.Equal(t, 2, dst.Len())

	// New ids interned after applying remote bindings do not collide.
	assert.Equal(t, uint32(3), dst.Intern("local"))

	// Rebinding an id is corruption.
	err := dst.Apply([]Entry{{ID: 1, Name: "not-a"}})
	require.Error(t, err)

	err = dst.Apply([]Entry{{ID: 0, Name: "zero"}})
	require.Error(t, err)
}

func TestTable_Concurrent(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d"}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tbl.Intern(names[j%len(names)])
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, len(names), tbl.Len())
}
