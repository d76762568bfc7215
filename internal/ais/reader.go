package ais

import "fmt"

// Reader accumulates table/index/sequence/routine fragments read from one
// or more serialized blobs before Finish resolves cross-references and
// validates the result. A fresh Reader is created per generation being
// assembled; ReadInto may be called once per schema fragment in any order.
type Reader struct {
	generation int64
	schemas    map[string]*Schema
}

// NewReader starts an empty accumulator for the given target generation.
func NewReader(generation int64) *Reader {
	return &Reader{generation: generation, schemas: make(map[string]*Schema)}
}

// finish resolves parent-table references by id, runs hidden-PK generation
// for tables without an explicit primary key, and validates the result.
func (r *Reader) finish() (*AIS, error) {
	a := &AIS{Generation: r.generation, Schemas: r.schemas}

	var reasons []string
	for _, s := range a.Schemas {
		for _, t := range s.Tables {
			ensureHiddenPK(t)
		}
	}
	reasons = append(reasons, validate(a)...)

	if len(reasons) > 0 {
		return nil, &InvalidSchemaError{Reasons: reasons}
	}
	a.finished = true
	return a, nil
}

// ensureHiddenPK synthesizes a primary key index for tables that declared
// none, matching the "hidden PK generation" finalization step of C2.
func ensureHiddenPK(t *Table) {
	for _, idx := range t.Indexes {
		if idx.Primary {
			return
		}
	}
	t.Indexes = append(t.Indexes, &Index{
		ID:      hiddenPKIndexID(t),
		Name:    "__hidden_pk",
		Columns: []string{"__row_id"},
		Unique:  true,
		Primary: true,
	})
}

// hiddenPKIndexID picks an id that does not collide with any existing index
// on the table; index ids need only be unique within their table (C3).
func hiddenPKIndexID(t *Table) int32 {
	var max int32 = -1
	for _, idx := range t.Indexes {
		if idx.ID > max {
			max = idx.ID
		}
	}
	return max + 1
}

// validate runs the full validator set: structural consistency checks that
// must hold for any AIS the schema manager is willing to publish.
func validate(a *AIS) []string {
	var reasons []string
	seenTableIDs := make(map[int32]TableName)

	for sname, s := range a.Schemas {
		if s.Name != sname {
			reasons = append(reasons, fmt.Sprintf("schema key %q does not match schema name %q", sname, s.Name))
		}
		for tname, t := range s.Tables {
			if t.Name.Table != tname {
				reasons = append(reasons, fmt.Sprintf("table key %q does not match table name %q", tname, t.Name.Table))
			}
			if prev, ok := seenTableIDs[t.ID]; ok {
				reasons = append(reasons, fmt.Sprintf("table id %d used by both %s and %s", t.ID, prev, t.Name))
			} else {
				seenTableIDs[t.ID] = t.Name
			}
			if t.ParentFK != nil {
				if a.TableByID(t.ParentFK.ParentTableID) == nil {
					reasons = append(reasons, fmt.Sprintf("table %s references missing parent table id %d", t.Name, t.ParentFK.ParentTableID))
				}
			}
			seenIndexIDs := make(map[int32]bool)
			for _, idx := range t.Indexes {
				if seenIndexIDs[idx.ID] {
					reasons = append(reasons, fmt.Sprintf("table %s has duplicate index id %d", t.Name, idx.ID))
				}
				seenIndexIDs[idx.ID] = true
			}
		}
	}
	return reasons
}
