package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeterYAML = `
service: helloworld.Greeter
method: SayHello
options:
  - when:
      equals:
        name: World
    priority: 10
    body:
      message: "Hello World!"
  - body:
      message: "Hello, stranger"
`

const streamJSON = `[
  {
    "service": "stream.Feed",
    "method": "Watch",
    "options": [
      {
        "body": {"tick": "{{stream.index}}"},
        "stream_items": [{"tick": 0}, {"tick": 1}],
        "stream_delay_ms": 10,
        "stream_loop": true,
        "stream_random_order": true
      }
    ]
  }
]`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "greeter.yaml", greeterYAML)

	docs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "helloworld.greeter.sayhello", docs[0].Key())
	require.Len(t, docs[0].Options, 2)
	assert.Equal(t, 10, docs[0].Options[0].Priority)
	assert.NotNil(t, docs[0].Options[0].When)
}

func TestLoadFileJSONList(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stream.json", streamJSON)

	docs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	opt := docs[0].Options[0]
	assert.True(t, opt.StreamLoop)
	assert.True(t, opt.StreamRandomOrder)
	assert.Equal(t, 10, opt.StreamDelayMS)
	assert.Len(t, opt.StreamItems, 2)
}

func TestBuildIndexFromGlobs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
	writeFile(t, dir, "greeter.yaml", greeterYAML)
	writeFile(t, filepath.Join(dir, "nested"), "stream.json", streamJSON)

	idx, err := BuildIndex([]string{filepath.Join(dir, "**", "*.yaml"), filepath.Join(dir, "**", "*.json")})
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	doc, ok := idx.Get("stream.feed.watch")
	require.True(t, ok)
	assert.Equal(t, "stream.Feed", doc.Service)

	_, ok = idx.Get("no.such.method")
	assert.False(t, ok)
}

func TestNewIndexRejectsDuplicates(t *testing.T) {
	docs := []*RuleDoc{
		{Service: "a.B", Method: "C", Options: []*ResponseOption{{Body: map[string]any{}}}},
		{Service: "A.b", Method: "c", Options: []*ResponseOption{{Body: map[string]any{}}}},
	}
	_, err := NewIndex(docs)
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestNewIndexValidates(t *testing.T) {
	_, err := NewIndex([]*RuleDoc{{Method: "M", Options: []*ResponseOption{{}}}})
	assert.ErrorIs(t, err, ErrMissingService)

	_, err = NewIndex([]*RuleDoc{{Service: "s", Options: []*ResponseOption{{}}}})
	assert.ErrorIs(t, err, ErrMissingMethod)

	_, err = NewIndex([]*RuleDoc{{Service: "s", Method: "m"}})
	assert.ErrorIs(t, err, ErrNoOptions)

	_, err = NewIndex([]*RuleDoc{{
		Service: "s", Method: "m",
		Options: []*ResponseOption{{Metadata: map[string]string{StatusKey: "bogus"}}},
	}})
	assert.Error(t, err)
}

func TestProviderSwap(t *testing.T) {
	p := NewProvider(nil)
	assert.Equal(t, 0, p.Snapshot().Len())

	idx, err := NewIndex([]*RuleDoc{{
		Service: "s", Method: "m",
		Options: []*ResponseOption{{Body: map[string]any{}}},
	}})
	require.NoError(t, err)

	before := p.Snapshot()
	p.Swap(idx)
	after := p.Snapshot()

	// The old snapshot is unchanged; in-flight calls keep using it.
	assert.Equal(t, 0, before.Len())
	assert.Equal(t, 1, after.Len())

	p.Swap(nil)
	assert.Equal(t, 0, p.Snapshot().Len())
}

func TestParseIndex(t *testing.T) {
	idx, err := ParseIndex([]byte(greeterYAML))
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	_, err = ParseIndex([]byte("options: {bad"))
	assert.Error(t, err)
}
