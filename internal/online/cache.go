package online

import (
	"context"
	"strconv"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/kv/tuple"
)

// Progress is an operator-facing read model of one online session's state,
// reported through the CLI (cmd/schemakv online status) — an additive
// observability supplement (SPEC_FULL.md §4.5) with no effect on DDL
// semantics.
type Progress struct {
	OnlineID      int64
	Schemas       []string
	TablesTouched []int32
	DMLRowsLogged int
}

// Cache is a read-only view, built once per transaction, of every online
// session currently staged: which schema/table belongs to which online id,
// and the per-id AIS overlay a staging transaction's owner should see via
// get_online_ais.
type Cache struct {
	SchemaToOnline     map[string]int64
	TableToOnline      map[int32]int64
	OnlineToChangeSets map[int64][]ais.ChangeSet
	OnlineAIS          map[int64]*ais.AIS
}

// BuildCache populates a read-only view of every active online session, per
// spec.md §4.5's "OnlineCache build" procedure. committedAIS supplies the
// "other schemas" fragments needed to complete each per-id AIS overlay; it
// may be nil, in which case each overlay holds only its staged schemas.
func (t *Tracker) BuildCache(ctx context.Context, txn kv.Txn, committedAIS *ais.AIS) (*Cache, error) {
	ids, err := t.listActiveIDs(ctx)
	if err != nil {
		return nil, err
	}

	cache := &Cache{
		SchemaToOnline:     make(map[string]int64),
		TableToOnline:      make(map[int32]int64),
		OnlineToChangeSets: make(map[int64][]ais.ChangeSet),
		OnlineAIS:          make(map[int64]*ais.AIS),
	}

	for _, id := range ids {
		dir, err := t.idDir(ctx, id)
		if err != nil {
			return nil, err
		}

		raw, err := txn.Get(genKey(dir))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		items, err := tuple.Unpack(raw)
		if err != nil {
			return nil, err
		}
		gen, _ := items[0].(int64)

		schemaNames, err := t.listStagedSchemas(ctx, txn, dir)
		if err != nil {
			return nil, err
		}
		if len(schemaNames) > 0 && gen != unpublishedGeneration {
			builder := ais.NewBuilder(gen)
			for _, schemaName := range schemaNames {
				if prev, exists := cache.SchemaToOnline[schemaName]; exists && prev != id {
					return nil, &ErrInvalidOnlineState{Reason: "schema " + schemaName + " claimed by multiple online ids"}
				}
				cache.SchemaToOnline[schemaName] = id

				frag, err := txn.Get(protobufKey(dir, schemaName))
				if err != nil {
					return nil, err
				}
				if err := builder.ReadInto(schemaName, frag); err != nil {
					return nil, err
				}
			}
			// Complete the per-id overlay with the committed fragments of
			// every schema this online change does not touch, so the
			// owner's get_online_ais sees a whole AIS, not just the
			// staged subset.
			if committedAIS != nil {
				for schemaName := range committedAIS.Schemas {
					if containsString(schemaNames, schemaName) {
						continue
					}
					frag, err := ais.Serialize(committedAIS, schemaName, ais.AllSchemas())
					if err != nil {
						return nil, err
					}
					if err := builder.ReadInto(schemaName, frag); err != nil {
						return nil, err
					}
				}
			}
			overlay, err := builder.Finish()
			if err != nil {
				return nil, err
			}
			cache.OnlineAIS[id] = overlay
		}

		changeSets, err := t.listChangeSets(ctx, txn, dir)
		if err != nil {
			return nil, err
		}
		for _, cs := range changeSets {
			if prev, exists := cache.TableToOnline[cs.TableID]; exists && prev != id {
				return nil, &ErrInvalidOnlineState{Reason: "table id claimed by multiple online ids"}
			}
			cache.TableToOnline[cs.TableID] = id
			cache.OnlineToChangeSets[id] = append(cache.OnlineToChangeSets[id], cs)
		}
	}

	return cache, nil
}

// Progress reports the current read model for online session id.
func (t *Tracker) Progress(ctx context.Context, txn kv.Txn, id int64) (Progress, error) {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return Progress{}, err
	}
	schemas, err := t.listStagedSchemas(ctx, txn, dir)
	if err != nil {
		return Progress{}, err
	}
	changeSets, err := t.listChangeSets(ctx, txn, dir)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{OnlineID: id, Schemas: schemas}
	dmlRows := 0
	for _, cs := range changeSets {
		p.TablesTouched = append(p.TablesTouched, cs.TableID)
		dml, err := dmlDir(ctx, t.store, dir, cs.TableID)
		if err != nil {
			return Progress{}, err
		}
		start, end := dml.Range()
		rows, err := txn.GetRange(start, end)
		if err != nil {
			return Progress{}, err
		}
		dmlRows += len(rows)
	}
	p.DMLRowsLogged = dmlRows
	return p, nil
}

// ListActiveIDs reports every online session id currently staged.
func (t *Tracker) ListActiveIDs(ctx context.Context) ([]int64, error) {
	return t.listActiveIDs(ctx)
}

func (t *Tracker) listActiveIDs(ctx context.Context) ([]int64, error) {
	names, err := t.store.ListDir(ctx, append(t.rootDir.Path(), "online"))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *Tracker) listStagedSchemas(ctx context.Context, txn kv.Txn, dir kv.Dir) ([]string, error) {
	start, end := dir.Range()
	rows, err := txn.GetRange(start, end)
	if err != nil {
		return nil, err
	}
	prefix := string(dir.Pack([]byte("protobuf/")))
	var names []string
	for _, r := range rows {
		k := string(r.Key)
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	return names, nil
}

func (t *Tracker) listChangeSets(ctx context.Context, txn kv.Txn, dir kv.Dir) ([]ais.ChangeSet, error) {
	start, end := dir.Range()
	rows, err := txn.GetRange(start, end)
	if err != nil {
		return nil, err
	}
	prefix := string(dir.Pack([]byte("changes/")))
	var out []ais.ChangeSet
	for _, r := range rows {
		k := string(r.Key)
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			cs, err := decodeChangeSet(r.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, cs)
		}
	}
	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
