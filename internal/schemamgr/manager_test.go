package schemamgr_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/generation"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/kv/tuple"
	"github.com/bowlofstew/sql-layer/internal/schemamgr"
	"github.com/bowlofstew/sql-layer/internal/session"
)

func startFresh(t *testing.T) (kv.Store, *schemamgr.Manager) {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemStore()
	mgr, err := schemamgr.Start(ctx, store, []string{"schemaManager"}, schemamgr.Config{})
	require.NoError(t, err)
	return store, mgr
}

// getAIS wraps GetAIS in a read-only transaction, since the manager expects
// the caller to already be inside one via sess.BeginTxn.
func getAIS(t *testing.T, ctx context.Context, store kv.Store, mgr *schemamgr.Manager, sess *session.Session) *ais.AIS {
	t.Helper()
	var out *ais.AIS
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()
		a, err := mgr.GetAIS(ctx, sess)
		out = a
		return err
	}))
	return out
}

func addColumnTable(b *ais.Builder) error {
	b.Schema("test").Tables["t"] = &ais.Table{
		ID:   1,
		Name: ais.TableName{Schema: "test", Table: "t"},
		Columns: []ais.Column{
			{Name: "id", Type: "INT"},
		},
	}
	return nil
}

func TestS1_FreshInitialization(t *testing.T) {
	ctx := context.Background()
	store, _ := startFresh(t)

	root, err := store.OpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		start, end := root.Range()
		rows, err := txn.GetRange(start, end)
		require.NoError(t, err)
		for _, r := range rows {
			assert.NotContains(t, string(r.Key), "protobuf/")
		}
		return nil
	}))
}

func TestS2_SimpleCreateTable(t *testing.T) {
	ctx := context.Background()
	store, mgr := startFresh(t)
	sess := session.New(1)

	newAIS, err := mgr.ApplyDDL(ctx, sess, []string{"test"}, addColumnTable)
	require.NoError(t, err)
	assert.Equal(t, int64(1), newAIS.Generation)
	assert.NotNil(t, newAIS.Table(ais.TableName{Schema: "test", Table: "t"}))

	root, err := store.OpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		frag, err := txn.Get(root.Pack(append([]byte("protobuf/"), []byte("test")...)))
		require.NoError(t, err)
		assert.NotEmpty(t, frag)
		return nil
	}))

	other := session.New(2)
	a := getAIS(t, ctx, store, mgr, other)
	assert.Equal(t, int64(1), a.Generation)
	assert.NotNil(t, a.Table(ais.TableName{Schema: "test", Table: "t"}))
}

func TestS3_CrashRestartRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mgr := startFresh(t)
	sess := session.New(1)
	_, err := mgr.ApplyDDL(ctx, sess, []string{"test"}, addColumnTable)
	require.NoError(t, err)
	mgr.Shutdown()

	restarted, err := schemamgr.Start(ctx, store, []string{"schemaManager"}, schemamgr.Config{})
	require.NoError(t, err)

	other := session.New(2)
	a := getAIS(t, ctx, store, restarted, other)
	assert.Equal(t, int64(1), a.Generation)
	assert.NotNil(t, a.Table(ais.TableName{Schema: "test", Table: "t"}))
}

func TestS4_OnlineAddColumnWithConcurrentDML(t *testing.T) {
	ctx := context.Background()
	store, mgr := startFresh(t)

	sessA := session.New(1)
	_, err := mgr.ApplyDDL(ctx, sessA, []string{"test"}, addColumnTable)
	require.NoError(t, err)

	onlineID, err := mgr.BeginOnline(ctx, sessA)
	require.NoError(t, err)

	var staged *ais.AIS
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		sessA.BeginTxn(txn)
		defer sessA.EndTxn()
		cur, err := mgr.GetAIS(ctx, sessA)
		require.NoError(t, err)
		b := cur.Clone()
		tbl := b.Schema("test").Tables["t"]
		tbl.Columns = append(tbl.Columns, ais.Column{Name: "x", Type: "INT"})
		out, err := b.Finish()
		require.NoError(t, err)
		staged = out
		return nil
	}))

	_, err = mgr.StageOnline(ctx, sessA, staged, []string{"test"}, ais.AllSchemas())
	require.NoError(t, err)
	require.NoError(t, mgr.AddOnlineChangeSet(ctx, sessA, ais.ChangeSet{TableID: 1, Kind: ais.AddColumn}))

	// Session B performs concurrent DML and logs its hkey against the same
	// online change, without owning it.
	require.NoError(t, mgr.RecordOnlineHandledHKey(ctx, onlineID, 1, []byte("row-R")))

	hkeys, err := mgr.ScanOnlineHandledHKeys(ctx, onlineID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("row-R")}, hkeys)

	gen, err := mgr.FinalizeOnline(ctx, sessA, []string{"test"})
	require.NoError(t, err)
	assert.Greater(t, gen, int64(0))

	other := session.New(2)
	final := getAIS(t, ctx, store, mgr, other)
	tbl := final.Table(ais.TableName{Schema: "test", Table: "t"})
	require.NotNil(t, tbl)
	var hasX bool
	for _, c := range tbl.Columns {
		if c.Name == "x" {
			hasX = true
		}
	}
	assert.True(t, hasX)
	assert.Equal(t, int64(0), sessA.OwnedOnlineID())
}

func TestS5_VersionMismatchClearDisallowedThenAllowed(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	root, err := store.CreateOrOpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		txn.Set(root.Pack(tuple.MustPack(generation.KeyGeneration)), tuple.MustPack(int64(0)))
		txn.Set(root.Pack(tuple.MustPack(generation.KeyDataVersion)), tuple.MustPack(int64(4)))
		txn.Set(root.Pack(tuple.MustPack(generation.KeyMetaDataVersion)), tuple.MustPack(int64(3)))
		return nil
	}))

	_, err = schemamgr.Start(ctx, store, []string{"schemaManager"}, schemamgr.Config{})
	var incompatible *schemamgr.IncompatibleError
	require.ErrorAs(t, err, &incompatible)
	assert.Equal(t, int64(4), incompatible.StoredData)

	mgr, err := schemamgr.Start(ctx, store, []string{"schemaManager"}, schemamgr.Config{ClearIncompatibleData: true})
	require.NoError(t, err)

	other := session.New(1)
	a := getAIS(t, ctx, store, mgr, other)
	assert.Equal(t, int64(0), a.Generation)
}

func TestGetAIS_ExternalClearDetected(t *testing.T) {
	ctx := context.Background()
	store, mgr := startFresh(t)
	sess := session.New(1)
	_, err := mgr.ApplyDDL(ctx, sess, []string{"test"}, addColumnTable)
	require.NoError(t, err)

	root, err := store.OpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		start, end := root.Range()
		txn.ClearRange(start, end)
		return nil
	}))

	other := session.New(2)
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		other.BeginTxn(txn)
		defer other.EndTxn()
		_, err := mgr.GetAIS(ctx, other)
		var extClear *schemamgr.ExternalClearError
		assert.ErrorAs(t, err, &extClear)
		return nil
	}))
}

func TestStageOnline_ConflictingOnlineChangeDetected(t *testing.T) {
	ctx := context.Background()
	store, mgr := startFresh(t)

	sessA := session.New(1)
	_, err := mgr.ApplyDDL(ctx, sessA, []string{"test"}, addColumnTable)
	require.NoError(t, err)

	// Begin and abort a throwaway online session first, so sessA's id is
	// not the first one allocated and the aborted session leaves nothing
	// staged behind.
	discard := session.New(99)
	_, err = mgr.BeginOnline(ctx, discard)
	require.NoError(t, err)
	require.NoError(t, mgr.AbortOnline(ctx, discard))

	_, err = mgr.BeginOnline(ctx, sessA)
	require.NoError(t, err)

	var staged *ais.AIS
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		sessA.BeginTxn(txn)
		defer sessA.EndTxn()
		cur, err := mgr.GetAIS(ctx, sessA)
		require.NoError(t, err)
		b := cur.Clone()
		tbl := b.Schema("test").Tables["t"]
		tbl.Columns = append(tbl.Columns, ais.Column{Name: "x", Type: "INT"})
		out, err := b.Finish()
		require.NoError(t, err)
		staged = out
		return nil
	}))
	_, err = mgr.StageOnline(ctx, sessA, staged, []string{"test"}, ais.AllSchemas())
	require.NoError(t, err)

	// A second session tries to claim the same schema while sessA still
	// holds it staged.
	sessB := session.New(2)
	_, err = mgr.BeginOnline(ctx, sessB)
	require.NoError(t, err)
	_, err = mgr.StageOnline(ctx, sessB, staged, []string{"test"}, ais.AllSchemas())
	var conflict *schemamgr.ConflictingOnlineChangeError
	require.ErrorAs(t, err, &conflict)
}

func TestRecordOnlineHandledHKey_NoSuchOnlineChangeDetected(t *testing.T) {
	ctx := context.Background()
	_, mgr := startFresh(t)

	err := mgr.RecordOnlineHandledHKey(ctx, 0, 1, []byte("row-R"))
	var noSuch *schemamgr.NoSuchOnlineChangeError
	require.ErrorAs(t, err, &noSuch)
	assert.Equal(t, int32(1), noSuch.TableID)
}

func TestS6_DropRemovesStorage(t *testing.T) {
	ctx := context.Background()
	store, mgr := startFresh(t)
	sess := session.New(1)
	_, err := mgr.ApplyDDL(ctx, sess, []string{"test"}, addColumnTable)
	require.NoError(t, err)

	require.NoError(t, mgr.DropTable(ctx, sess, ais.TableName{Schema: "test", Table: "t"}))

	other := session.New(2)
	var paths [][]string
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		other.BeginTxn(txn)
		defer other.EndTxn()
		p, err := mgr.ListStoragePaths(ctx, other)
		paths = p
		return err
	}))
	assert.Empty(t, paths)

	_, err = store.OpenDir(ctx, []string{"schemaManager", "data", "test", "t"})
	assert.ErrorIs(t, err, kv.ErrNotFound)
}
