// Package online implements the Online Session Tracker (C5): the per-DDL
// staging area that lets a schema change run concurrently with DML on the
// same tables. Online id allocation, staged AIS fragments, per-table
// ChangeSets, and the per-table DML-hkey log all live under
// online/<id>/ in the KV store; this package holds no in-process locks of
// its own — its authority lives entirely in the KV store, per spec.md §5.
package online

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/generation"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/kv/tuple"
)

// unpublishedGeneration marks an online session whose staged AIS has not
// yet been assigned a generation — "not yet validated" per spec.md §3.
const unpublishedGeneration int64 = -1

// ErrConflictingOnlineChange is raised when two online sessions would claim
// the same table or schema.
var ErrConflictingOnlineChange = fmt.Errorf("schemakv: conflicting online change")

// ErrNoSuchOnlineChange is raised when DML logs an hkey for a table with no
// active online session.
var ErrNoSuchOnlineChange = fmt.Errorf("schemakv: no active online change for this table")

// ErrInvalidOnlineState reports an assertion failure while building the
// online cache: a schema or table id claimed by more than one online id.
type ErrInvalidOnlineState struct {
	Reason string
}

func (e *ErrInvalidOnlineState) Error() string { return "schemakv: invalid online state: " + e.Reason }

// Tracker mediates every operation on the online subtree.
type Tracker struct {
	store   kv.Store
	rootDir kv.Dir
}

// New creates a tracker rooted at rootDir (the schema-manager directory).
func New(store kv.Store, rootDir kv.Dir) *Tracker {
	return &Tracker{store: store, rootDir: rootDir}
}

func (t *Tracker) idDir(ctx context.Context, id int64) (kv.Dir, error) {
	return t.store.CreateOrOpenDir(ctx, append(t.rootDir.Path(), "online", strconv.FormatInt(id, 10)))
}

// schemaClaimant returns the online id (other than excludeID) that has
// already staged schemaName, if any — used by Stage to reject a second
// online session claiming the same schema before it ever writes anything.
func (t *Tracker) schemaClaimant(ctx context.Context, txn kv.Txn, excludeID int64, schemaName string) (int64, bool, error) {
	ids, err := t.listActiveIDs(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, other := range ids {
		if other == excludeID {
			continue
		}
		dir, err := t.idDir(ctx, other)
		if err != nil {
			return 0, false, err
		}
		names, err := t.listStagedSchemas(ctx, txn, dir)
		if err != nil {
			return 0, false, err
		}
		if containsString(names, schemaName) {
			return other, true, nil
		}
	}
	return 0, false, nil
}

// tableClaimant returns the online id (other than excludeID) that has
// already recorded a change set for tableID, if any — used by AddChangeSet
// to reject a second online session claiming the same table.
func (t *Tracker) tableClaimant(ctx context.Context, txn kv.Txn, excludeID int64, tableID int32) (int64, bool, error) {
	ids, err := t.listActiveIDs(ctx)
	if err != nil {
		return 0, false, err
	}
	for _, other := range ids {
		if other == excludeID {
			continue
		}
		dir, err := t.idDir(ctx, other)
		if err != nil {
			return 0, false, err
		}
		changeSets, err := t.listChangeSets(ctx, txn, dir)
		if err != nil {
			return 0, false, err
		}
		for _, cs := range changeSets {
			if cs.TableID == tableID {
				return other, true, nil
			}
		}
	}
	return 0, false, nil
}

func (t *Tracker) onlineSessionCounterKey() []byte {
	return t.rootDir.Pack(tuple.MustPack("onlineSession"))
}

// Begin allocates a new online session id and creates its directory in the
// Open state: generation = -1, no staged protobuf. Exactly one online
// session may exist per calling session; the caller (C6) is responsible
// for enforcing that via session.Session.ClaimOnlineSession.
func (t *Tracker) Begin(ctx context.Context, txn kv.Txn) (int64, error) {
	raw, err := txn.Get(t.onlineSessionCounterKey())
	if err != nil {
		return 0, err
	}
	// Ids start at 1: session.Session uses 0 to mean "no online session owned".
	var cur int64
	if raw != nil {
		items, err := tuple.Unpack(raw)
		if err != nil {
			return 0, err
		}
		if v, ok := items[0].(int64); ok {
			cur = v
		}
	}
	id := cur + 1
	txn.Set(t.onlineSessionCounterKey(), tuple.MustPack(id))

	dir, err := t.idDir(ctx, id)
	if err != nil {
		return 0, err
	}
	txn.Set(dir.Pack(tuple.MustPack("generation")), tuple.MustPack(unpublishedGeneration))
	return id, nil
}

func genKey(dir kv.Dir) []byte { return dir.Pack(tuple.MustPack("generation")) }

func protobufKey(dir kv.Dir, schema string) []byte {
	return dir.Pack(append([]byte("protobuf/"), []byte(schema)...))
}

func changeSetKey(dir kv.Dir, tableID int32) []byte {
	return dir.Pack(append([]byte("changes/"), tuple.MustPack(int64(tableID))...))
}

func dmlDir(ctx context.Context, store kv.Store, dir kv.Dir, tableID int32) (kv.Dir, error) {
	return store.CreateOrOpenDir(ctx, append(dir.Path(), "dml", strconv.Itoa(int(tableID))))
}

// Stage assigns newAIS a fresh generation, writes the staged protobuf
// fragments for the given schemas, and bumps the global generation a
// second time so that no other transaction observes the allocated-but-
// unpublished generation as current (spec.md §4.5, and the §9 design-note
// open question about the defensive double bump — resolved here by always
// performing it unconditionally and before returning, inside the same
// transaction that assigned the generation, so a retried transaction redoes
// both bumps atomically together rather than risking only one landing).
func (t *Tracker) Stage(ctx context.Context, txn kv.Txn, reg *generation.Registry, id int64, newAIS *ais.AIS, schemas []string, sel ais.WriteSelector) (assignedGeneration int64, err error) {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return 0, err
	}

	for _, schema := range schemas {
		other, claimed, err := t.schemaClaimant(ctx, txn, id, schema)
		if err != nil {
			return 0, err
		}
		if claimed {
			return 0, fmt.Errorf("%w: schema %q already staged by online id %d", ErrConflictingOnlineChange, schema, other)
		}
	}

	assignedGeneration, err = reg.NextGeneration(txn)
	if err != nil {
		return 0, err
	}
	txn.Set(genKey(dir), tuple.MustPack(assignedGeneration))

	for _, schema := range schemas {
		frag, err := ais.Serialize(newAIS, schema, sel)
		if err != nil {
			return 0, fmt.Errorf("online: stage schema %q: %w", schema, err)
		}
		txn.Set(protobufKey(dir, schema), frag)
	}

	// Second bump: the generation just assigned to the staged AIS is not
	// yet the one any other transaction should see as current.
	if _, err := reg.NextGeneration(txn); err != nil {
		return 0, err
	}

	return assignedGeneration, nil
}

// AddChangeSet appends changes/<table_id>, adding tableID to the session's
// claimed set. It bumps the global generation unless alreadyBumpedThisTxn
// is true, returning whether it performed the bump so the caller can track
// that state across further calls within the same transaction.
func (t *Tracker) AddChangeSet(ctx context.Context, txn kv.Txn, reg *generation.Registry, id int64, cs ais.ChangeSet, alreadyBumpedThisTxn bool) (bumped bool, err error) {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return false, err
	}

	other, claimed, err := t.tableClaimant(ctx, txn, id, cs.TableID)
	if err != nil {
		return false, err
	}
	if claimed {
		return false, fmt.Errorf("%w: table %d already claimed by online id %d", ErrConflictingOnlineChange, cs.TableID, other)
	}

	frag, err := encodeChangeSet(cs)
	if err != nil {
		return false, err
	}
	txn.Set(changeSetKey(dir, cs.TableID), frag)

	if alreadyBumpedThisTxn {
		return false, nil
	}
	if _, err := reg.NextGeneration(txn); err != nil {
		return false, err
	}
	return true, nil
}

// RecordDMLHKey appends an entry under online/<id>/dml/<table_id>/<hkey>,
// logging that a concurrent DML wrote a row while the online change for
// tableID was active.
func (t *Tracker) RecordDMLHKey(ctx context.Context, txn kv.Txn, id int64, tableID int32, hkey []byte) error {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return err
	}
	raw, err := txn.Get(changeSetKey(dir, tableID))
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: online id %d table %d", ErrNoSuchOnlineChange, id, tableID)
	}
	dml, err := dmlDir(ctx, t.store, dir, tableID)
	if err != nil {
		return err
	}
	txn.Set(dml.Pack(hkey), nil)
	return nil
}

// HKeyIterator yields the suffix bytes (directory prefix stripped) of rows
// logged since staging began, in lexicographic order. Unlike the source
// this was distilled from — where HasNext was left unsupported — this
// iterator walks rows that EnumerateDMLHKeys has already fetched in full,
// so HasNext is always accurate, fixing the §9 design-note open question (a).
type HKeyIterator struct {
	rows []kv.KV
	pos  int
}

// HasNext reports whether Next will return another hkey.
func (it *HKeyIterator) HasNext() bool { return it.pos < len(it.rows) }

// Next returns the next hkey suffix, or nil, false if exhausted.
func (it *HKeyIterator) Next() ([]byte, bool) {
	if !it.HasNext() {
		return nil, false
	}
	row := it.rows[it.pos]
	it.pos++
	return row.Key, true
}

// EnumerateDMLHKeys returns an iterator over hkeys logged for tableID under
// online session id, starting after startHKey if non-nil.
func (t *Tracker) EnumerateDMLHKeys(ctx context.Context, txn kv.Txn, id int64, tableID int32, startHKey []byte) (*HKeyIterator, error) {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return nil, err
	}
	dml, err := dmlDir(ctx, t.store, dir, tableID)
	if err != nil {
		return nil, err
	}
	start, end := dml.Range()
	if startHKey != nil {
		// Appending 0x00 yields the smallest key strictly after startHKey.
		start = append(dml.Pack(startHKey), 0x00)
	}
	rows, err := txn.GetRange(start, end)
	if err != nil {
		return nil, err
	}
	prefixLen := len(dml.Pack(nil))
	stripped := make([]kv.KV, len(rows))
	for i, r := range rows {
		stripped[i] = kv.KV{Key: r.Key[prefixLen:], Value: r.Value}
	}
	return &HKeyIterator{rows: stripped}, nil
}

// Finalize copies the staged protobuf fragments into the global protobuf
// area, bumps the global generation, and removes the online/<id>/
// subtree — transitioning Staged/Active to Finalized.
func (t *Tracker) Finalize(ctx context.Context, txn kv.Txn, reg *generation.Registry, id int64, schemas []string) (int64, error) {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return 0, err
	}
	for _, schema := range schemas {
		frag, err := txn.Get(protobufKey(dir, schema))
		if err != nil {
			return 0, err
		}
		if frag == nil {
			continue
		}
		txn.Set(t.rootDir.Pack(append([]byte("protobuf/"), []byte(schema)...)), frag)
	}
	final, err := reg.NextGeneration(txn)
	if err != nil {
		return 0, err
	}
	t.clearSubtree(txn, dir)
	return final, nil
}

// Abort removes the online/<id>/ subtree. A bump is only needed if the
// staged state had already become externally visible (generation != -1);
// otherwise nothing else could have observed it.
func (t *Tracker) Abort(ctx context.Context, txn kv.Txn, reg *generation.Registry, id int64) error {
	dir, err := t.idDir(ctx, id)
	if err != nil {
		return err
	}
	raw, err := txn.Get(genKey(dir))
	if err != nil {
		return err
	}
	wasVisible := false
	if raw != nil {
		items, err := tuple.Unpack(raw)
		if err == nil && len(items) == 1 {
			if v, ok := items[0].(int64); ok && v != unpublishedGeneration {
				wasVisible = true
			}
		}
	}
	if wasVisible {
		if _, err := reg.NextGeneration(txn); err != nil {
			return err
		}
	}
	t.clearSubtree(txn, dir)
	return nil
}

func (t *Tracker) clearSubtree(txn kv.Txn, dir kv.Dir) {
	start, end := dir.Range()
	txn.ClearRange(start, end)
}

func encodeChangeSet(cs ais.ChangeSet) ([]byte, error) {
	var out []byte
	out = append(out, byte(cs.Kind))
	idBytes := tuple.MustPack(int64(cs.TableID))
	out = append(out, byte(len(idBytes)))
	out = append(out, idBytes...)
	out = append(out, cs.Payload...)
	return out, nil
}

func decodeChangeSet(b []byte) (ais.ChangeSet, error) {
	if len(b) < 2 {
		return ais.ChangeSet{}, fmt.Errorf("online: truncated change set")
	}
	kind := ais.ChangeKind(b[0])
	n := int(b[1])
	rest := b[2:]
	if len(rest) < n {
		return ais.ChangeSet{}, fmt.Errorf("online: truncated change set table id")
	}
	items, err := tuple.Unpack(rest[:n])
	if err != nil {
		return ais.ChangeSet{}, err
	}
	tableID, _ := items[0].(int64)
	payload := rest[n:]
	return ais.ChangeSet{TableID: int32(tableID), Kind: kind, Payload: payload}, nil
}
