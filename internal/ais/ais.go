// Package ais models the Akiban Information Schema: the in-memory snapshot
// of all schema metadata the rest of the schema manager persists, versions,
// and distributes. An AIS is immutable once Finish returns it; any change
// produces a new AIS with a strictly greater Generation.
package ais

import "fmt"

// ChangeKind enumerates the logical mutations a ChangeSet can describe.
type ChangeKind int

const (
	AddColumn ChangeKind = iota
	DropColumn
	AlterPrimaryKey
	AddIndex
	DropIndex
)

func (k ChangeKind) String() string {
	switch k {
	case AddColumn:
		return "add_column"
	case DropColumn:
		return "drop_column"
	case AlterPrimaryKey:
		return "alter_primary_key"
	case AddIndex:
		return "add_index"
	case DropIndex:
		return "drop_index"
	default:
		return "unknown"
	}
}

// ChangeSet describes one table's logical change during an online DDL,
// consumed at finalize.
type ChangeSet struct {
	TableID int32
	Kind    ChangeKind
	Payload []byte
}

// Column is a single table column.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// Index describes a secondary or primary index on a table.
type Index struct {
	ID      int32
	Name    string
	Columns []string
	Unique  bool
	Primary bool
}

// ForeignKey records a child table's reference to a parent table, by stable id.
type ForeignKey struct {
	ParentTableID int32
	ChildColumns  []string
	ParentColumns []string
}

// TableName is a schema-qualified table identifier.
type TableName struct {
	Schema string
	Table  string
}

func (n TableName) String() string { return n.Schema + "." + n.Table }

// Table is one table's full metadata, including its per-table monotonic
// version number (bumped on every change to that table alone).
type Table struct {
	ID            int32
	Name          TableName
	Version       uint32
	Columns       []Column
	Indexes       []*Index
	GroupID       int32
	ParentFK      *ForeignKey
	IsMemoryTable bool
}

// Sequence is a named monotonic integer generator owned by a schema.
type Sequence struct {
	Name  string
	Start int64
	Incr  int64
}

// Routine is a stored procedure/function owned by a schema.
type Routine struct {
	Name       string
	Definition string
	IsSystem   bool
}

// Schema is a named collection of tables, sequences, and routines.
type Schema struct {
	Name      string
	Tables    map[string]*Table
	Sequences map[string]*Sequence
	Routines  map[string]*Routine
}

func newSchema(name string) *Schema {
	return &Schema{
		Name:      name,
		Tables:    make(map[string]*Table),
		Sequences: make(map[string]*Sequence),
		Routines:  make(map[string]*Routine),
	}
}

// AIS is the immutable, frozen snapshot of all schema metadata at a given
// generation. Construct one only via Finish; the zero value is not valid.
type AIS struct {
	Generation int64
	Schemas    map[string]*Schema
	finished   bool
}

// Schema returns the named schema, or nil if it does not exist.
func (a *AIS) Schema(name string) *Schema {
	if a == nil {
		return nil
	}
	return a.Schemas[name]
}

// Table looks up a table by schema-qualified name.
func (a *AIS) Table(name TableName) *Table {
	s := a.Schema(name.Schema)
	if s == nil {
		return nil
	}
	return s.Tables[name.Table]
}

// TableByID scans every schema for a table with the given id. AIS objects
// are small enough in practice (hundreds of tables) that a linear scan here
// is simpler and less error-prone than maintaining a second index that must
// stay in sync with Clone.
func (a *AIS) TableByID(id int32) *Table {
	for _, s := range a.Schemas {
		for _, t := range s.Tables {
			if t.ID == id {
				return t
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the AIS suitable for a DDL mutator to modify
// before re-finishing. The clone is not frozen.
func (a *AIS) Clone() *Builder {
	b := NewBuilder(a.Generation)
	for sname, s := range a.Schemas {
		ns := newSchema(sname)
		for tname, t := range s.Tables {
			nt := *t
			nt.Columns = append([]Column(nil), t.Columns...)
			nt.Indexes = make([]*Index, len(t.Indexes))
			for i, idx := range t.Indexes {
				cp := *idx
				cp.Columns = append([]string(nil), idx.Columns...)
				nt.Indexes[i] = &cp
			}
			if t.ParentFK != nil {
				fk := *t.ParentFK
				fk.ChildColumns = append([]string(nil), fk.ChildColumns...)
				fk.ParentColumns = append([]string(nil), fk.ParentColumns...)
				nt.ParentFK = &fk
			}
			ns.Tables[tname] = &nt
		}
		for seqName, seq := range s.Sequences {
			cp := *seq
			ns.Sequences[seqName] = &cp
		}
		for rName, r := range s.Routines {
			cp := *r
			ns.Routines[rName] = &cp
		}
		b.reader.schemas[sname] = ns
	}
	return b
}

// Builder accumulates schema fragments before Finish resolves references and
// freezes the result. It is the only way to produce an *AIS.
type Builder struct {
	reader *Reader
}

// NewBuilder starts an empty builder destined to become an AIS with the
// given generation. Generation is not part of any serialized fragment; it
// is assigned by the caller (the generation registry, C4), not the codec.
func NewBuilder(generation int64) *Builder {
	return &Builder{reader: &Reader{generation: generation, schemas: make(map[string]*Schema)}}
}

// Schema returns the named schema in the builder, creating it if absent.
func (b *Builder) Schema(name string) *Schema {
	s, ok := b.reader.schemas[name]
	if !ok {
		s = newSchema(name)
		b.reader.schemas[name] = s
	}
	return s
}

// RemoveSchema drops a schema entirely from the builder.
func (b *Builder) RemoveSchema(name string) { delete(b.reader.schemas, name) }

// SetGeneration overrides the generation the resulting AIS will carry once
// Finish is called — used by a DDL mutator that clones curAIS and must
// publish at a generation claimed after cloning, not the clone's original one.
func (b *Builder) SetGeneration(g int64) { b.reader.generation = g }

// ReadInto merges a serialized fragment for schemaName into the builder,
// the public entry point for C2's "reader accumulates fragments" step.
func (b *Builder) ReadInto(schemaName string, fragment []byte) error {
	return ReadInto(b.reader, schemaName, fragment)
}

// Finish resolves internal references, runs per-table finalization, and
// validates the accumulated fragments, returning a frozen AIS or an
// InvalidSchema error listing every validation failure.
func (b *Builder) Finish() (*AIS, error) {
	return b.reader.finish()
}

// InvalidSchemaError reports every reason an AIS failed validation.
type InvalidSchemaError struct {
	Reasons []string
}

func (e *InvalidSchemaError) Error() string {
	if len(e.Reasons) == 1 {
		return fmt.Sprintf("invalid schema: %s", e.Reasons[0])
	}
	return fmt.Sprintf("invalid schema: %d reasons, first: %s", len(e.Reasons), e.Reasons[0])
}
