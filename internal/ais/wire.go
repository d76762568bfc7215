package ais

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
)

// Wire format: a fragment is a stream of tagged, length-prefixed records,
// one per table/sequence/routine. This keeps a single-schema rewrite
// proportional to the number of records that schema owns rather than the
// whole AIS, matching the "protobuf-framed metadata" design note: a reader
// accumulates fragments record by record and Finish resolves references
// afterward. Generation is never part of a fragment — it is assigned by the
// generation registry (C4), not the codec.

const (
	recTable byte = 1
	recSeq   byte = 2
	recRtn   byte = 3
)

// Serialize emits a canonical fragment for schema, containing only the
// elements sel accepts. Records are written in name order within each kind.
func Serialize(a *AIS, schemaName string, sel WriteSelector) ([]byte, error) {
	s := a.Schema(schemaName)
	if s == nil {
		return nil, fmt.Errorf("ais: no such schema %q", schemaName)
	}

	var out []byte
	for _, name := range slices.Sorted(maps.Keys(s.Tables)) {
		t := s.Tables[name]
		if !sel.Accept(schemaName, ElementTable, t.Name.Table) {
			continue
		}
		rec := encodeTable(t)
		out = appendRecord(out, recTable, rec)
	}
	for _, name := range slices.Sorted(maps.Keys(s.Sequences)) {
		sq := s.Sequences[name]
		if !sel.Accept(schemaName, ElementSequence, sq.Name) {
			continue
		}
		out = appendRecord(out, recSeq, encodeSequence(sq))
	}
	for _, name := range slices.Sorted(maps.Keys(s.Routines)) {
		r := s.Routines[name]
		if !sel.Accept(schemaName, ElementRoutine, r.Name) {
			continue
		}
		out = appendRecord(out, recRtn, encodeRoutine(r))
	}
	return out, nil
}

func appendRecord(out []byte, tag byte, body []byte) []byte {
	out = append(out, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	return append(out, body...)
}

// ReadInto appends the records in fragment — for schema schemaName — into
// the reader's in-progress schema accumulation.
func ReadInto(r *Reader, schemaName string, fragment []byte) error {
	s, ok := r.schemas[schemaName]
	if !ok {
		s = newSchema(schemaName)
		r.schemas[schemaName] = s
	}

	for len(fragment) > 0 {
		if len(fragment) < 5 {
			return fmt.Errorf("ais: truncated record header")
		}
		tag := fragment[0]
		n := binary.BigEndian.Uint32(fragment[1:5])
		fragment = fragment[5:]
		if uint32(len(fragment)) < n {
			return fmt.Errorf("ais: truncated record body")
		}
		body := fragment[:n]
		fragment = fragment[n:]

		switch tag {
		case recTable:
			t, err := decodeTable(schemaName, body)
			if err != nil {
				return err
			}
			s.Tables[t.Name.Table] = t
		case recSeq:
			sq := decodeSequence(body)
			s.Sequences[sq.Name] = sq
		case recRtn:
			rt := decodeRoutine(body)
			s.Routines[rt.Name] = rt
		default:
			return fmt.Errorf("ais: unknown record tag %d", tag)
		}
	}
	return nil
}

// --- table encoding ---

func encodeTable(t *Table) []byte {
	var out []byte
	out = putString(out, t.Name.Table)
	out = putInt32(out, t.ID)
	out = putUint32(out, t.Version)
	out = putInt32(out, t.GroupID)
	out = putBool(out, t.IsMemoryTable)

	out = putUint32(out, uint32(len(t.Columns)))
	for _, c := range t.Columns {
		out = putString(out, c.Name)
		out = putString(out, c.Type)
		out = putBool(out, c.Nullable)
		out = putUint32(out, uint32(c.Position))
	}

	out = putUint32(out, uint32(len(t.Indexes)))
	for _, idx := range t.Indexes {
		out = putInt32(out, idx.ID)
		out = putString(out, idx.Name)
		out = putBool(out, idx.Unique)
		out = putBool(out, idx.Primary)
		out = putUint32(out, uint32(len(idx.Columns)))
		for _, c := range idx.Columns {
			out = putString(out, c)
		}
	}

	hasFK := t.ParentFK != nil
	out = putBool(out, hasFK)
	if hasFK {
		out = putInt32(out, t.ParentFK.ParentTableID)
		out = putUint32(out, uint32(len(t.ParentFK.ChildColumns)))
		for _, c := range t.ParentFK.ChildColumns {
			out = putString(out, c)
		}
		out = putUint32(out, uint32(len(t.ParentFK.ParentColumns)))
		for _, c := range t.ParentFK.ParentColumns {
			out = putString(out, c)
		}
	}
	return out
}

func decodeTable(schemaName string, b []byte) (*Table, error) {
	dec := &decoder{b: b}
	t := &Table{}
	t.Name = TableName{Schema: schemaName, Table: dec.string()}
	t.ID = dec.int32()
	t.Version = dec.uint32()
	t.GroupID = dec.int32()
	t.IsMemoryTable = dec.bool()

	nCols := dec.uint32()
	for i := uint32(0); i < nCols; i++ {
		t.Columns = append(t.Columns, Column{
			Name:     dec.string(),
			Type:     dec.string(),
			Nullable: dec.bool(),
			Position: int(dec.uint32()),
		})
	}

	nIdx := dec.uint32()
	for i := uint32(0); i < nIdx; i++ {
		idx := &Index{ID: dec.int32(), Name: dec.string(), Unique: dec.bool(), Primary: dec.bool()}
		nc := dec.uint32()
		for j := uint32(0); j < nc; j++ {
			idx.Columns = append(idx.Columns, dec.string())
		}
		t.Indexes = append(t.Indexes, idx)
	}

	if dec.bool() {
		fk := &ForeignKey{ParentTableID: dec.int32()}
		nc := dec.uint32()
		for j := uint32(0); j < nc; j++ {
			fk.ChildColumns = append(fk.ChildColumns, dec.string())
		}
		np := dec.uint32()
		for j := uint32(0); j < np; j++ {
			fk.ParentColumns = append(fk.ParentColumns, dec.string())
		}
		t.ParentFK = fk
	}

	return t, dec.err
}

func encodeSequence(s *Sequence) []byte {
	var out []byte
	out = putString(out, s.Name)
	out = putInt64(out, s.Start)
	out = putInt64(out, s.Incr)
	return out
}

func decodeSequence(b []byte) *Sequence {
	dec := &decoder{b: b}
	return &Sequence{Name: dec.string(), Start: dec.int64(), Incr: dec.int64()}
}

func encodeRoutine(r *Routine) []byte {
	var out []byte
	out = putString(out, r.Name)
	out = putString(out, r.Definition)
	out = putBool(out, r.IsSystem)
	return out
}

func decodeRoutine(b []byte) *Routine {
	dec := &decoder{b: b}
	return &Routine{Name: dec.string(), Definition: dec.string(), IsSystem: dec.bool()}
}

// --- primitive encode/decode helpers ---

func putString(out []byte, s string) []byte {
	out = putUint32(out, uint32(len(s)))
	return append(out, s...)
}

func putUint32(out []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(out, b[:]...)
}

func putInt32(out []byte, v int32) []byte { return putUint32(out, uint32(v)) }

func putInt64(out []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(out, b[:]...)
}

func putBool(out []byte, v bool) []byte {
	if v {
		return append(out, 1)
	}
	return append(out, 0)
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) need(n int) []byte {
	if d.err != nil || len(d.b) < n {
		if d.err == nil {
			d.err = fmt.Errorf("ais: truncated record")
		}
		return make([]byte, n)
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) uint32() uint32 { return binary.BigEndian.Uint32(d.need(4)) }
func (d *decoder) int32() int32   { return int32(d.uint32()) }
func (d *decoder) int64() int64   { return int64(binary.BigEndian.Uint64(d.need(8))) }
func (d *decoder) bool() bool     { return d.need(1)[0] != 0 }
func (d *decoder) string() string {
	n := d.uint32()
	return string(d.need(int(n)))
}
