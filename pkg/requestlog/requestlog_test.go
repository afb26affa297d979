package requestlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(method, code string) *Entry {
	return &Entry{
		Protocol: ProtocolGRPC,
		Service:  "helloworld.Greeter",
		Method:   method,
		Code:     code,
	}
}

func TestLogAssignsIDAndTimestamp(t *testing.T) {
	store := NewStore(10)
	e := entry("SayHello", "OK")
	store.Log(e)

	require.Equal(t, 1, store.Count())
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Same(t, e, store.Get(e.ID))
	assert.Nil(t, store.Get("missing"))
}

func TestRingEviction(t *testing.T) {
	store := NewStore(3)
	for i := 0; i < 5; i++ {
		store.Log(entry(fmt.Sprintf("m%d", i), "OK"))
	}

	assert.Equal(t, 3, store.Count())
	entries := store.List(nil)
	require.Len(t, entries, 3)
	// Newest first; the two oldest were evicted.
	assert.Equal(t, "m4", entries[0].Method)
	assert.Equal(t, "m2", entries[2].Method)
}

func TestListFilter(t *testing.T) {
	store := NewStore(10)
	store.Log(entry("SayHello", "OK"))
	store.Log(entry("SayHello", "NOT_FOUND"))
	store.Log(&Entry{Protocol: ProtocolWeb, Service: "helloworld.Greeter", Method: "SayHello", Code: "OK"})

	assert.Len(t, store.List(&Filter{Protocol: ProtocolGRPC}), 2)
	assert.Len(t, store.List(&Filter{Code: "not_found"}), 1)
	assert.Len(t, store.List(&Filter{Service: "HELLOWORLD.greeter"}), 3)
	assert.Len(t, store.List(&Filter{Method: "Other"}), 0)

	limited := store.List(&Filter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, ProtocolWeb, limited[0].Protocol)

	assert.Len(t, store.List(&Filter{Offset: 2}), 1)
	assert.Nil(t, store.List(&Filter{Offset: 9}))
}

func TestClear(t *testing.T) {
	store := NewStore(5)
	store.Log(entry("SayHello", "OK"))
	store.Clear()
	assert.Equal(t, 0, store.Count())
	assert.Empty(t, store.List(nil))
}
