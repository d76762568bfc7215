// Package kv abstracts the ordered, transactional key-value backend the
// schema manager runs on: directories, tuple-packed keys, prefix ranges,
// and snapshot-isolated transactions with optimistic commit. This mirrors
// the Getter/Putter/Tx split used by ordered embedded-KV bindings (the
// retrieved erigon-lib kv.Tx/kv.RwTx interfaces are the closest public
// analog), adapted to a directory-and-tuple model because the schema
// manager's real backend is FoundationDB-shaped, not a named-table MDBX
// store.
//
// This package ships exactly one implementation, MemStore, a reference
// in-process KV good enough to drive every test in this repository. A
// production binding to a real ordered KV cluster would implement Store
// and Txn directly; none is wired here because no such client binding
// exists in the corpus this repo was grounded on.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrCommitConflict is returned by Txn.Commit when a key this transaction
// read was modified by another transaction that committed first.
var ErrCommitConflict = errors.New("kv: commit conflict")

// ErrNotFound is returned by directory lookups for a path that does not exist.
var ErrNotFound = errors.New("kv: directory not found")

// Dir is a handle to a hierarchical named subspace with a stable byte prefix.
type Dir struct {
	path   []string
	prefix []byte
}

// Path returns the directory's path segments.
func (d Dir) Path() []string { return append([]string(nil), d.path...) }

// Pack builds a key under this directory from tuple elements.
func (d Dir) Pack(key []byte) []byte {
	out := make([]byte, 0, len(d.prefix)+len(key))
	out = append(out, d.prefix...)
	out = append(out, key...)
	return out
}

// Range returns the [start, end) byte range covering every key under this directory.
func (d Dir) Range() (start, end []byte) {
	start = append([]byte(nil), d.prefix...)
	end = prefixEnd(d.prefix)
	return start, end
}

// prefixEnd returns the smallest byte string that is strictly greater than
// every string beginning with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	// All 0xff: there's no finite successor, so the range is unbounded above.
	return append(end, 0xff)
}

// KV is a pair returned by range scans.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the directory + transaction factory surface the rest of this
// repository depends on.
type Store interface {
	// OpenDir opens an existing directory, failing with ErrNotFound if absent.
	OpenDir(ctx context.Context, path []string) (Dir, error)
	// CreateOrOpenDir opens path, creating every missing segment.
	CreateOrOpenDir(ctx context.Context, path []string) (Dir, error)
	// RemoveDir removes a directory subtree (metadata only; callers must
	// clear the underlying KV range themselves via a transaction first,
	// matching the semantics of a directory-layer remove that is itself
	// transactional).
	RemoveDir(ctx context.Context, path []string) error
	// MoveDir moves a directory subtree from one path to another.
	MoveDir(ctx context.Context, from, to []string) error
	// ListDir lists the immediate child names of a directory.
	ListDir(ctx context.Context, path []string) ([]string, error)

	// Transact runs fn inside a new transaction and commits it, retrying
	// is the caller's responsibility (see schemamgr's retry wrapper).
	Transact(ctx context.Context, fn func(txn Txn) error) error
	// BeginTxn starts a transaction the caller commits or rolls back manually.
	BeginTxn(ctx context.Context) (Txn, error)
}

// Txn is a single KV transaction: snapshot-isolated reads, buffered writes,
// optimistic commit.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte)
	Clear(key []byte)
	ClearRange(start, end []byte)
	GetRange(start, end []byte) ([]KV, error)
	Commit() error
	Rollback()
}

// MemStore is an in-process reference Store implementation backed by a
// sorted map guarded by a mutex. Commits use optimistic concurrency:
// each transaction remembers the store's write-version at the time it
// began, and at commit time conflicts if any key it read has since been
// written by a transaction that committed after it began.
type MemStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	dirs     map[string]bool // known directory paths, joined by "/"
	version  int64           // bumped on every successful commit
	writtenAt map[string]int64 // key -> version of last write, for conflict detection
}

// NewMemStore creates an empty in-memory store with its root directory
// implicitly present.
func NewMemStore() *MemStore {
	return &MemStore{
		data:      make(map[string][]byte),
		dirs:      map[string]bool{"": true},
		writtenAt: make(map[string]int64),
	}
}

func dirKey(path []string) string { return strings.Join(path, "/") }

func dirPrefix(path []string) []byte {
	if len(path) == 0 {
		return nil
	}
	return []byte("/\x00" + strings.Join(path, "\x00") + "\x00")
}

func (m *MemStore) OpenDir(_ context.Context, path []string) (Dir, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirs[dirKey(path)] {
		return Dir{}, fmt.Errorf("%w: %v", ErrNotFound, path)
	}
	return Dir{path: path, prefix: dirPrefix(path)}, nil
}

func (m *MemStore) CreateOrOpenDir(_ context.Context, path []string) (Dir, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range path {
		m.dirs[dirKey(path[:i+1])] = true
	}
	m.dirs[dirKey(path)] = true
	return Dir{path: path, prefix: dirPrefix(path)}, nil
}

func (m *MemStore) RemoveDir(_ context.Context, path []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dirKey(path)
	for k := range m.dirs {
		if k == prefix || strings.HasPrefix(k, prefix+"/") {
			delete(m.dirs, k)
		}
	}
	return nil
}

func (m *MemStore) MoveDir(_ context.Context, from, to []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fromKey := dirKey(from)
	if !m.dirs[fromKey] {
		return fmt.Errorf("%w: %v", ErrNotFound, from)
	}
	delete(m.dirs, fromKey)
	for i := range to {
		m.dirs[dirKey(to[:i+1])] = true
	}
	m.dirs[dirKey(to)] = true

	oldPrefix := string(dirPrefix(from))
	newPrefix := string(dirPrefix(to))
	moved := make(map[string][]byte)
	for k, v := range m.data {
		if strings.HasPrefix(k, oldPrefix) {
			moved[newPrefix+k[len(oldPrefix):]] = v
			delete(m.data, k)
		}
	}
	for k, v := range moved {
		m.data[k] = v
	}
	return nil
}

func (m *MemStore) ListDir(_ context.Context, path []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dirKey(path)
	if prefix != "" {
		prefix += "/"
	}
	seen := map[string]bool{}
	var out []string
	for k := range m.dirs {
		if !strings.HasPrefix(k, prefix) || k == dirKey(path) {
			continue
		}
		rest := k[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" && !seen[rest] {
			seen[rest] = true
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) BeginTxn(_ context.Context) (Txn, error) {
	m.mu.Lock()
	readVersion := m.version
	m.mu.Unlock()
	return &memTxn{
		store:       m,
		readVersion: readVersion,
		readSet:     make(map[string]bool),
		writeSet:    make(map[string][]byte),
		clearSet:    make(map[string]bool),
	}, nil
}

func (m *MemStore) Transact(ctx context.Context, fn func(txn Txn) error) error {
	txn, err := m.BeginTxn(ctx)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

type memTxn struct {
	store       *MemStore
	readVersion int64
	readSet     map[string]bool
	writeSet    map[string][]byte
	clearSet    map[string]bool
	clearRanges [][2][]byte
	done        bool
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	k := string(key)
	if v, ok := t.writeSet[k]; ok {
		return v, nil
	}
	if t.clearSet[k] {
		return nil, nil
	}
	for _, r := range t.clearRanges {
		if inRange(k, r[0], r[1]) {
			return nil, nil
		}
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.readSet[k] = true
	return t.store.data[k], nil
}

func (t *memTxn) Set(key, value []byte) {
	k := string(key)
	t.writeSet[k] = append([]byte(nil), value...)
	delete(t.clearSet, k)
}

func (t *memTxn) Clear(key []byte) {
	k := string(key)
	t.clearSet[k] = true
	delete(t.writeSet, k)
}

func (t *memTxn) ClearRange(start, end []byte) {
	t.clearRanges = append(t.clearRanges, [2][]byte{start, end})
}

func (t *memTxn) GetRange(start, end []byte) ([]KV, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	merged := make(map[string][]byte)
	for k, v := range t.store.data {
		if inRange(k, start, end) {
			merged[k] = v
		}
	}
	for k := range t.clearSet {
		if inRange(k, start, end) {
			delete(merged, k)
		}
	}
	for _, r := range t.clearRanges {
		for k := range merged {
			if inRange(k, r[0], r[1]) {
				delete(merged, k)
			}
		}
	}
	for k, v := range t.writeSet {
		if inRange(k, start, end) {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
		t.readSet[k] = true
	}
	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: []byte(k), Value: merged[k]})
	}
	return out, nil
}

func inRange(k string, start, end []byte) bool {
	if start != nil && k < string(start) {
		return false
	}
	if end != nil && k >= string(end) {
		return false
	}
	return true
}

func (t *memTxn) Commit() error {
	if t.done {
		return fmt.Errorf("kv: transaction already finished")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for k := range t.readSet {
		if wv, ok := t.store.writtenAt[k]; ok && wv > t.readVersion {
			return ErrCommitConflict
		}
	}

	t.store.version++
	newVersion := t.store.version

	for _, r := range t.clearRanges {
		for k := range t.store.data {
			if inRange(k, r[0], r[1]) {
				delete(t.store.data, k)
				t.store.writtenAt[k] = newVersion
			}
		}
	}
	for k := range t.clearSet {
		if _, existed := t.store.data[k]; existed {
			delete(t.store.data, k)
			t.store.writtenAt[k] = newVersion
		}
	}
	for k, v := range t.writeSet {
		t.store.data[k] = v
		t.store.writtenAt[k] = newVersion
	}
	return nil
}

func (t *memTxn) Rollback() {
	t.done = true
}
