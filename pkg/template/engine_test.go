package template

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRequestAndMetadata(t *testing.T) {
	e := New()
	ctx := &Context{
		Request: map[string]any{
			"name": "World",
			"user": map[string]any{"id": "u-1"},
		},
		Metadata: map[string]string{"authorization": "Bearer abc"},
	}

	tests := []struct {
		tmpl string
		want string
	}{
		{"Hello {{request.name}}!", "Hello World!"},
		{"id={{request.user.id}}", "id=u-1"},
		{"auth={{metadata.authorization}}", "auth=Bearer abc"},
		{"auth={{metadata.Authorization}}", "auth=Bearer abc"},
		{"missing=[{{request.nope}}]", "missing=[]"},
		{"no placeholders", "no placeholders"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Process(tt.tmpl, ctx), "template %q", tt.tmpl)
	}
}

func TestProcessStreamContext(t *testing.T) {
	e := New()
	ctx := &Context{Stream: &StreamInfo{Index: 0, Total: 3}}

	assert.Equal(t, "item 0 of 3", e.Process("item {{stream.index}} of {{stream.total}}", ctx))
	assert.Equal(t, "first=true last=false", e.Process("first={{stream.first}} last={{stream.last}}", ctx))

	ctx.Stream = &StreamInfo{Index: 2, Total: 3}
	assert.Equal(t, "first=false last=true", e.Process("first={{stream.first}} last={{stream.last}}", ctx))
}

func TestRenderPreservesTypes(t *testing.T) {
	e := New()
	ctx := &Context{
		Request: map[string]any{
			"count": float64(7),
			"tags":  []any{"a", "b"},
		},
		Stream: &StreamInfo{Index: 1, Total: 2},
	}

	body := map[string]any{
		"index":   "{{stream.index}}",
		"total":   "{{stream.total}}",
		"last":    "{{stream.last}}",
		"count":   "{{request.count}}",
		"tags":    "{{request.tags}}",
		"literal": 42,
		"mixed":   "i={{stream.index}}",
		"nested":  map[string]any{"t": "{{stream.total}}"},
	}

	rendered, ok := e.Render(body, ctx).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, rendered["index"])
	assert.Equal(t, 2, rendered["total"])
	assert.Equal(t, true, rendered["last"])
	assert.Equal(t, float64(7), rendered["count"])
	assert.Equal(t, []any{"a", "b"}, rendered["tags"])
	assert.Equal(t, 42, rendered["literal"])
	assert.Equal(t, "i=1", rendered["mixed"])
	nested, ok := rendered["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, nested["t"])
}

func TestGenerativeVariables(t *testing.T) {
	e := New()

	uuidRe := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	assert.Regexp(t, uuidRe, e.Process("{{uuid}}", nil))
	assert.Len(t, e.Process("{{uuid.short}}", nil), 8)

	ts, err := strconv.ParseInt(e.Process("{{timestamp}}", nil), 10, 64)
	require.NoError(t, err)
	assert.Greater(t, ts, int64(0))

	for i := 0; i < 50; i++ {
		n, err := strconv.Atoi(e.Process("{{random.int(5, 10)}}", nil))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 5)
		assert.LessOrEqual(t, n, 10)
	}

	s := e.Process("{{random.string(12)}}", nil)
	assert.Len(t, s, 12)

	f, err := strconv.ParseFloat(e.Process("{{random.float(0, 1, 2)}}", nil), 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f, 0.0)
	assert.LessOrEqual(t, f, 1.0)
}

func TestSequences(t *testing.T) {
	e := New()
	assert.Equal(t, "1", e.Process(`{{sequence("order")}}`, nil))
	assert.Equal(t, "2", e.Process(`{{sequence("order")}}`, nil))
	assert.Equal(t, "100", e.Process(`{{sequence("other", 100)}}`, nil))

	// Shared store keeps counting across engines.
	store := NewSequenceStore()
	e1 := NewWithSequences(store)
	e2 := NewWithSequences(store)
	assert.Equal(t, "1", e1.Process(`{{sequence("shared")}}`, nil))
	assert.Equal(t, "2", e2.Process(`{{sequence("shared")}}`, nil))

	store.Reset("shared")
	assert.Equal(t, "1", e1.Process(`{{sequence("shared")}}`, nil))
}

func TestStringFunctions(t *testing.T) {
	e := New()
	ctx := &Context{Request: map[string]any{"name": "World", "empty": ""}}

	assert.Equal(t, "WORLD", e.Process("{{upper(request.name)}}", ctx))
	assert.Equal(t, "world", e.Process("{{lower(request.name)}}", ctx))
	assert.Equal(t, "World", e.Process(`{{default(request.name, "fallback")}}`, ctx))
	assert.Equal(t, "fallback", e.Process(`{{default(request.empty, "fallback")}}`, ctx))
	assert.Equal(t, "fallback", e.Process(`{{default(request.missing, "fallback")}}`, ctx))
}

func TestRandomStringAlphabet(t *testing.T) {
	s := randomString(200)
	assert.Len(t, s, 200)
	for _, r := range s {
		assert.True(t, strings.ContainsRune(randomStringAlphabet, r))
	}
}
