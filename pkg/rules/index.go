package rules

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// Index is an immutable lookup from rule key to rule document. Handlers
// fetch one Index snapshot at call start and use it for the call's whole
// lifetime, so a concurrent swap never changes behavior mid-call.
type Index struct {
	docs map[string]*RuleDoc
}

// NewIndex validates the documents and builds an index. Duplicate keys are
// rejected: exactly one document owns a method.
func NewIndex(docs []*RuleDoc) (*Index, error) {
	idx := &Index{docs: make(map[string]*RuleDoc, len(docs))}
	for _, doc := range docs {
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		key := doc.Key()
		if _, exists := idx.docs[key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, key)
		}
		idx.docs[key] = doc
	}
	return idx, nil
}

// EmptyIndex returns an index with no rules.
func EmptyIndex() *Index {
	return &Index{docs: map[string]*RuleDoc{}}
}

// Get returns the rule document for a key, or ok=false when the method has
// no configured behavior.
func (i *Index) Get(key string) (*RuleDoc, bool) {
	doc, ok := i.docs[key]
	return doc, ok
}

// Len returns the number of rule documents.
func (i *Index) Len() int {
	return len(i.docs)
}

// Docs returns all documents sorted by key.
func (i *Index) Docs() []*RuleDoc {
	keys := make([]string, 0, len(i.docs))
	for key := range i.docs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	docs := make([]*RuleDoc, 0, len(keys))
	for _, key := range keys {
		docs = append(docs, i.docs[key])
	}
	return docs
}

// Provider owns the current Index and swaps it atomically on reload.
// Readers take a Snapshot once per call; in-flight calls keep serving from
// the snapshot they started with.
type Provider struct {
	current atomic.Pointer[Index]
}

// NewProvider creates a provider serving the given index. A nil index
// starts empty.
func NewProvider(idx *Index) *Provider {
	p := &Provider{}
	if idx == nil {
		idx = EmptyIndex()
	}
	p.current.Store(idx)
	return p
}

// Snapshot returns the current index. Never nil.
func (p *Provider) Snapshot() *Index {
	return p.current.Load()
}

// Swap atomically replaces the index. A nil index resets to empty.
func (p *Provider) Swap(idx *Index) {
	if idx == nil {
		idx = EmptyIndex()
	}
	p.current.Store(idx)
}
