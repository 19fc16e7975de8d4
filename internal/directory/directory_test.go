package directory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callbridge/internal/protocol"
)

type memStore struct {
	mu      sync.Mutex
	callers map[string]Caller
	finds   int
	closed  bool
}

func newMemStore() *memStore {
	return &memStore{callers: make(map[string]Caller)}
}

func (m *memStore) Save(_ context.Context, c *Caller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callers[c.NumberComplete] = *c
	return nil
}

func (m *memStore) Find(_ context.Context, number string) (*Caller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	c, ok := m.callers[number]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memStore) Delete(_ context.Context, numbers ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, num := range numbers {
		if _, ok := m.callers[num]; ok {
			delete(m.callers, num)
			n++
		}
	}
	return n, nil
}

func (m *memStore) List(_ context.Context, _ string) ([]Caller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Caller, 0, len(m.callers))
	for _, c := range m.callers {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) Close() error {
	m.closed = true
	return nil
}

func TestDirectoryWithoutCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	d := New(store, nil, nil)

	_, err := d.FindCaller(ctx, "030123")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, d.SaveCaller(ctx, &Caller{NumberComplete: "030123", Name: "Alice", City: "Berlin"}))
	c, err := d.FindCaller(ctx, "030123")
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Name)
	assert.False(t, c.UpdatedAt.IsZero())

	list, err := d.ListCallers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, d.DeleteCallers(ctx, "030123"))
	assert.ErrorIs(t, d.DeleteCallers(ctx, "030123"), ErrNotFound)
}

func TestDirectoryEmptyNumberMisses(t *testing.T) {
	store := newMemStore()
	d := New(store, nil, nil)

	_, err := d.FindCaller(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.finds)
}

func TestDirectoryClose(t *testing.T) {
	store := newMemStore()
	d := New(store, nil, nil)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, store.closed)

	_, err := d.FindCaller(context.Background(), "1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.SaveCaller(context.Background(), &Caller{NumberComplete: "1"}), ErrClosed)
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, &Caller{NumberComplete: "1"}))
	got, err := c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, c.Delete(ctx, "1"))
	require.NoError(t, c.Close())
}

func TestCallerTable(t *testing.T) {
	in := []Caller{
		{NumberComplete: "030123", Name: "Alice", Number: "123", AreaCode: "030", City: "Berlin"},
		{NumberComplete: "089555", Name: "Bob", Street: "Hauptstr. 1", PostalCode: "80331"},
	}
	table := ToTable(in)
	require.NoError(t, table.Validate())
	assert.Equal(t, Columns(), table.Columns)

	out := FromTable(table)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].City, out[0].City)
	assert.Equal(t, in[1].Street, out[1].Street)
}

func TestFromTableSkipsRowsWithoutNumber(t *testing.T) {
	table := protocol.NewTable(protocol.ColName, protocol.ColNumberComplete, "extra")
	require.NoError(t, table.AddRow("Alice", "030123", "x"))
	require.NoError(t, table.AddRow("Nobody", "", "y"))

	out := FromTable(table)
	require.Len(t, out, 1)
	assert.Equal(t, Caller{NumberComplete: "030123", Name: "Alice"}, out[0])
}
