// Package namegen allocates unique table ids, index ids, and tree/storage
// names, reconciling an in-process tracker with identifiers already
// persisted in the KV store. Two flavors exist — "data-path" and
// "online-path" — both layered over the same DefaultNameGenerator; only the
// KV directory the online flavor mints under differs, so staged ids never
// collide with concurrently committed data-path ids.
package namegen

import (
	"context"
	"fmt"
	"sync"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/kv/tuple"
)

// DefaultNameGenerator tracks identifiers already assigned in the process's
// current AIS, in memory, so that MergeAIS + repeated NextTableID calls
// never hand out an id already in use — even before the corresponding KV
// counter catches up.
type DefaultNameGenerator struct {
	mu           sync.Mutex
	usedTableIDs map[int32]bool
	usedIndexIDs map[int32]map[int32]bool // tableID -> set of index ids
	treeNames    map[string]bool
}

// New creates an empty tracker.
func New() *DefaultNameGenerator {
	return &DefaultNameGenerator{
		usedTableIDs: make(map[int32]bool),
		usedIndexIDs: make(map[int32]map[int32]bool),
		treeNames:    make(map[string]bool),
	}
}

// MergeAIS folds every id/name already present in ais into the tracker, so
// ids minted after a load never collide with what's already committed.
func (g *DefaultNameGenerator) MergeAIS(a *ais.AIS) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a == nil {
		return
	}
	for _, s := range a.Schemas {
		for _, t := range s.Tables {
			g.usedTableIDs[t.ID] = true
			g.treeNames[treeName(t.Name.Schema, t.Name.Table)] = true
			for _, idx := range t.Indexes {
				g.markIndexIDLocked(t.ID, idx.ID)
			}
		}
	}
}

func (g *DefaultNameGenerator) markIndexIDLocked(tableID, indexID int32) {
	set, ok := g.usedIndexIDs[tableID]
	if !ok {
		set = make(map[int32]bool)
		g.usedIndexIDs[tableID] = set
	}
	set[indexID] = true
}

func treeName(schema, table string) string { return schema + "$$" + table }

// Minter claims fresh, globally unique identifiers transactionally from a
// counter key under a given KV directory — "data-path" or "online-path"
// depending on which directory it is constructed with. Uniqueness across
// nodes holds because only one transaction can commit per generation: the
// counter read-then-write serializes on the same key every other claimant
// reads and writes.
type Minter struct {
	store    kv.Store
	dir      kv.Dir
	tracker  *DefaultNameGenerator
}

// ForDDL mints table/index ids under the schema-manager root directory,
// for the ordinary (non-online) DDL path.
func ForDDL(store kv.Store, rootDir kv.Dir, tracker *DefaultNameGenerator) (*Minter, error) {
	return &Minter{store: store, dir: rootDir, tracker: tracker}, nil
}

// ForOnline mints under online/<id>/ so ids claimed while an online change
// is staged never collide with ids a concurrently committing data-path DDL
// claims from the same counters.
func ForOnline(ctx context.Context, store kv.Store, rootDir kv.Dir, onlineID int64, tracker *DefaultNameGenerator) (*Minter, error) {
	dir, err := store.CreateOrOpenDir(ctx, append(rootDir.Path(), "online", fmt.Sprintf("%d", onlineID)))
	if err != nil {
		return nil, fmt.Errorf("namegen: open online dir: %w", err)
	}
	return &Minter{store: store, dir: dir, tracker: tracker}, nil
}

// NextTableID claims a fresh table id unique across every node, by
// transactionally incrementing a KV counter and re-checking it against
// the in-process tracker so a racing local caller can't reuse the value
// before the winning commit is visible.
func (m *Minter) NextTableID(ctx context.Context, txn kv.Txn) (int32, error) {
	for {
		id, err := nextCounter(txn, m.dir, "nextTableID")
		if err != nil {
			return 0, err
		}
		m.tracker.mu.Lock()
		used := m.tracker.usedTableIDs[int32(id)]
		if !used {
			m.tracker.usedTableIDs[int32(id)] = true
		}
		m.tracker.mu.Unlock()
		if !used {
			return int32(id), nil
		}
		// Another node claimed this id through a different counter
		// generation before we observed the merge; loop and claim the
		// next one instead of handing out a duplicate.
	}
}

// NextIndexID claims an index id unique within tableID.
func (m *Minter) NextIndexID(ctx context.Context, txn kv.Txn, tableID int32) (int32, error) {
	for {
		id, err := nextCounter(txn, m.dir, fmt.Sprintf("nextIndexID/%d", tableID))
		if err != nil {
			return 0, err
		}
		m.tracker.mu.Lock()
		set, ok := m.tracker.usedIndexIDs[tableID]
		if !ok {
			set = make(map[int32]bool)
			m.tracker.usedIndexIDs[tableID] = set
		}
		used := set[int32(id)]
		if !used {
			set[int32(id)] = true
		}
		m.tracker.mu.Unlock()
		if !used {
			return int32(id), nil
		}
	}
}

// NextTreeName derives a stable, unique storage/tree name for a new table,
// recording it so subsequent renames or additions don't collide.
func (m *Minter) NextTreeName(schema, table string) string {
	m.tracker.mu.Lock()
	defer m.tracker.mu.Unlock()
	name := treeName(schema, table)
	for suffix := 0; m.tracker.treeNames[name]; suffix++ {
		name = fmt.Sprintf("%s$%d", treeName(schema, table), suffix)
	}
	m.tracker.treeNames[name] = true
	return name
}

func nextCounter(txn kv.Txn, dir kv.Dir, key string) (int64, error) {
	packed, err := tuple.Pack(key)
	if err != nil {
		return 0, err
	}
	raw, err := txn.Get(dir.Pack(packed))
	if err != nil {
		return 0, err
	}
	var current int64 = -1
	if raw != nil {
		items, err := tuple.Unpack(raw)
		if err != nil {
			return 0, fmt.Errorf("namegen: corrupt counter %q: %w", key, err)
		}
		if len(items) == 1 {
			if v, ok := items[0].(int64); ok {
				current = v
			}
		}
	}
	next := current + 1
	nb, err := tuple.Pack(next)
	if err != nil {
		return 0, err
	}
	txn.Set(dir.Pack(packed), nb)
	return next, nil
}
