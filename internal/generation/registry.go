// Package generation owns the monotonic global generation counter, the
// stored data/meta version, and session-scoped AIS caching (C4). It is the
// single authority every node rendezvouses on to decide whether its
// in-process AIS is current.
package generation

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/kv/tuple"
	"github.com/bowlofstew/sql-layer/internal/namegen"
	"github.com/bowlofstew/sql-layer/internal/session"
)

// Keys under the schema-manager root directory this package owns.
const (
	KeyGeneration     = "generation"
	KeyDataVersion    = "dataVersion"
	KeyMetaDataVersion = "metaDataVersion"
)

// ErrExternalClear is returned when a required metadata key is missing —
// the metadata was externally modified (e.g. the KV namespace was wiped by
// a tool outside this process) and the caller must restart.
var ErrExternalClear = fmt.Errorf("schemakv: metadata externally modified, restart required")

// Loader loads the committed AIS as of generation from storage — reading
// every protobuf/<schema> fragment and assembling it via the AIS codec.
// Implemented by the schema manager front (C6), which alone knows how to
// enumerate schemas and apply memory-table overlays; the registry only
// needs to know "give me the AIS as of this generation".
type Loader func(ctx context.Context, txn kv.Txn, generation int64) (*ais.AIS, error)

// Registry implements C4: the generation counter plus the process-wide
// curAIS/nameGenerator/tableVersionMap triple, protected by a single AIS
// lock as specified in spec.md §5.
type Registry struct {
	store   kv.Store
	rootDir kv.Dir
	loader  Loader

	aisLock sync.RWMutex
	curAIS  *ais.AIS
	nameGen *namegen.DefaultNameGenerator

	tvMu            sync.RWMutex
	tableVersionMap map[int32]uint32

	sf singleflight.Group
}

// New creates a registry rooted at rootDir, backed by store, using loader
// to materialize an AIS from storage on a cache miss.
func New(store kv.Store, rootDir kv.Dir, loader Loader) *Registry {
	return &Registry{
		store:           store,
		rootDir:         rootDir,
		loader:          loader,
		nameGen:         namegen.New(),
		tableVersionMap: make(map[int32]uint32),
	}
}

// NameGenerator returns the process-wide name generator tracker, shared by
// the DDL and online name-minting paths.
func (r *Registry) NameGenerator() *namegen.DefaultNameGenerator { return r.nameGen }

// CurAIS returns the currently installed AIS, or nil before the first
// load. Readers may use the returned reference without locking: once
// obtained it is frozen and immutable.
func (r *Registry) CurAIS() *ais.AIS {
	r.aisLock.RLock()
	defer r.aisLock.RUnlock()
	return r.curAIS
}

// InstallInitial installs seed as curAIS without going through the normal
// staleness check — used once at startup after the initial load.
func (r *Registry) InstallInitial(seed *ais.AIS) {
	r.aisLock.Lock()
	defer r.aisLock.Unlock()
	r.curAIS = seed
	r.nameGen.MergeAIS(seed)
	r.mergeTableVersionsLocked(seed)
}

func (r *Registry) mergeTableVersionsLocked(a *ais.AIS) {
	r.tvMu.Lock()
	defer r.tvMu.Unlock()
	for _, s := range a.Schemas {
		for _, t := range s.Tables {
			r.tableVersionMap[t.ID] = t.Version
		}
	}
}

// TableVersion returns the last-known version for tableID.
func (r *Registry) TableVersion(tableID int32) (uint32, bool) {
	r.tvMu.RLock()
	defer r.tvMu.RUnlock()
	v, ok := r.tableVersionMap[tableID]
	return v, ok
}

func (r *Registry) genKey() []byte { return r.rootDir.Pack(tuple.MustPack(KeyGeneration)) }
func (r *Registry) dataVersionKey() []byte {
	return r.rootDir.Pack(tuple.MustPack(KeyDataVersion))
}
func (r *Registry) metaVersionKey() []byte {
	return r.rootDir.Pack(tuple.MustPack(KeyMetaDataVersion))
}

// GetTransactionalGeneration reads the sole authoritative version counter
// visible to txn, failing with ErrExternalClear if it is absent.
func (r *Registry) GetTransactionalGeneration(txn kv.Txn) (int64, error) {
	raw, err := txn.Get(r.genKey())
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, ErrExternalClear
	}
	return unpackInt(raw)
}

// NextGeneration reads the current generation, increments it, writes it
// back, and returns the new value. Every caller of this method is, by
// construction, about to write something that becomes visible at the
// returned generation once this transaction commits.
func (r *Registry) NextGeneration(txn kv.Txn) (int64, error) {
	cur, err := r.GetTransactionalGeneration(txn)
	if err != nil {
		return 0, err
	}
	next := cur + 1
	txn.Set(r.genKey(), packInt(next))
	return next, nil
}

// InitializeIfAbsent seeds generation=0 and the version constants when
// nothing is present yet (S1, fresh initialization). Returns whether it
// performed the seed.
func (r *Registry) InitializeIfAbsent(txn kv.Txn, dataVersion, metaVersion int64) (bool, error) {
	raw, err := txn.Get(r.genKey())
	if err != nil {
		return false, err
	}
	if raw != nil {
		return false, nil
	}
	txn.Set(r.genKey(), packInt(0))
	txn.Set(r.dataVersionKey(), packInt(dataVersion))
	txn.Set(r.metaVersionKey(), packInt(metaVersion))
	return true, nil
}

// CheckVersions reads the stored data/meta version, returning them and
// whether both are present. Used by the startup compatibility check.
func (r *Registry) CheckVersions(txn kv.Txn) (dataVersion, metaVersion int64, present bool, err error) {
	dv, err := txn.Get(r.dataVersionKey())
	if err != nil {
		return 0, 0, false, err
	}
	mv, err := txn.Get(r.metaVersionKey())
	if err != nil {
		return 0, 0, false, err
	}
	if dv == nil || mv == nil {
		return 0, 0, false, nil
	}
	dvi, err := unpackInt(dv)
	if err != nil {
		return 0, 0, false, err
	}
	mvi, err := unpackInt(mv)
	if err != nil {
		return 0, 0, false, err
	}
	return dvi, mvi, true, nil
}

// GetSessionAIS implements the five-step algorithm of spec.md §4.4.
func (r *Registry) GetSessionAIS(ctx context.Context, sess *session.Session, txn kv.Txn) (*ais.AIS, error) {
	// Step 1: already attached for this transaction.
	if a := sess.AttachedAIS(); a != nil {
		return a, nil
	}

	// Step 2: read the transactional generation.
	g, err := r.GetTransactionalGeneration(txn)
	if err != nil {
		return nil, err
	}

	// Step 3: fast path — curAIS is already current.
	r.aisLock.RLock()
	cur := r.curAIS
	r.aisLock.RUnlock()
	if cur != nil && cur.Generation == g {
		sess.Attach(cur)
		sess.OnEndTransaction(func() { sess.Attach(nil) })
		return cur, nil
	}

	// Step 4: reload under the AIS lock, deduping concurrent reloaders of
	// the same generation via singleflight.
	v, err, _ := r.sf.Do(fmt.Sprintf("gen:%d", g), func() (interface{}, error) {
		r.aisLock.Lock()
		defer r.aisLock.Unlock()

		if r.curAIS != nil && r.curAIS.Generation == g {
			return r.curAIS, nil
		}
		newAIS, err := r.loader(ctx, txn, g)
		if err != nil {
			return nil, err
		}
		if r.curAIS == nil || newAIS.Generation > r.curAIS.Generation {
			r.curAIS = newAIS
			r.nameGen.MergeAIS(newAIS)
			r.mergeTableVersionsLocked(newAIS)
		}
		return r.curAIS, nil
	})
	if err != nil {
		return nil, err
	}
	newAIS := v.(*ais.AIS)

	// Step 5: attach and register the end-of-transaction detach callback.
	sess.Attach(newAIS)
	sess.OnEndTransaction(func() { sess.Attach(nil) })
	return newAIS, nil
}

func packInt(v int64) []byte { return tuple.MustPack(v) }

func unpackInt(b []byte) (int64, error) {
	items, err := tuple.Unpack(b)
	if err != nil {
		return 0, err
	}
	if len(items) != 1 {
		return 0, fmt.Errorf("generation: expected single-element tuple, got %d", len(items))
	}
	v, ok := items[0].(int64)
	if !ok {
		return 0, fmt.Errorf("generation: expected int64 element, got %T", items[0])
	}
	return v, nil
}
