package online_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/generation"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/online"
)

func setup(t *testing.T) (kv.Store, kv.Dir, *generation.Registry, *online.Tracker) {
	t.Helper()
	ctx := context.Background()
	store := kv.NewMemStore()
	root, err := store.CreateOrOpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)

	loader := func(_ context.Context, _ kv.Txn, gen int64) (*ais.AIS, error) {
		return ais.NewBuilder(gen).Finish()
	}
	reg := generation.New(store, root, loader)
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		_, err := reg.InitializeIfAbsent(txn, 5, 3)
		return err
	}))
	tr := online.New(store, root)
	return store, root, reg, tr
}

func sampleAIS(t *testing.T, gen int64) *ais.AIS {
	t.Helper()
	b := ais.NewBuilder(gen)
	b.Schema("test").Tables["t"] = &ais.Table{
		ID:   10,
		Name: ais.TableName{Schema: "test", Table: "t"},
		Columns: []ais.Column{
			{Name: "id", Type: "INT"},
			{Name: "x", Type: "INT"},
		},
	}
	out, err := b.Finish()
	require.NoError(t, err)
	return out
}

func TestBeginStageFinalize(t *testing.T) {
	ctx := context.Background()
	store, _, reg, tr := setup(t)

	var id int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		id, err = tr.Begin(ctx, txn)
		return err
	}))
	assert.Equal(t, int64(1), id)

	newAIS := sampleAIS(t, 99) // generation value is overwritten by Stage
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.Stage(ctx, txn, reg, id, newAIS, []string{"test"}, ais.AllSchemas())
		return err
	}))

	// While staged, a non-owning transaction still sees the old (empty)
	// committed AIS — online isolation (property 4).
	committed := reg.CurAIS()
	assert.Nil(t, committed.Schema("test"))

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.Finalize(ctx, txn, reg, id, []string{"test"})
		return err
	}))

	// After finalize, the online directory is gone.
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		cache, err := tr.BuildCache(ctx, txn, committed)
		require.NoError(t, err)
		assert.Empty(t, cache.SchemaToOnline)
		return nil
	}))
}

func TestDMLHKeyLog_CompletenessAndOrder(t *testing.T) {
	ctx := context.Background()
	store, _, reg, tr := setup(t)

	var id int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		id, err = tr.Begin(ctx, txn)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.AddChangeSet(ctx, txn, reg, id, ais.ChangeSet{TableID: 10, Kind: ais.AddColumn}, false)
		return err
	}))

	hkeys := [][]byte{[]byte("row-003"), []byte("row-001"), []byte("row-002")}
	for _, h := range hkeys {
		require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
			return tr.RecordDMLHKey(ctx, txn, id, 10, h)
		}))
	}

	var got [][]byte
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		it, err := tr.EnumerateDMLHKeys(ctx, txn, id, 10, nil)
		require.NoError(t, err)
		for it.HasNext() {
			h, ok := it.Next()
			require.True(t, ok)
			got = append(got, h)
		}
		_, ok := it.Next()
		assert.False(t, ok, "Next after exhaustion must report ok=false")
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, []byte("row-001"), got[0])
	assert.Equal(t, []byte("row-002"), got[1])
	assert.Equal(t, []byte("row-003"), got[2])
}

func TestAddChangeSet_TracksTableOwnership(t *testing.T) {
	ctx := context.Background()
	store, _, reg, tr := setup(t)

	var id int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		id, err = tr.Begin(ctx, txn)
		return err
	}))

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		bumped, err := tr.AddChangeSet(ctx, txn, reg, id, ais.ChangeSet{TableID: 10, Kind: ais.AddColumn}, false)
		assert.True(t, bumped)
		return err
	}))

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		cache, err := tr.BuildCache(ctx, txn, reg.CurAIS())
		require.NoError(t, err)
		assert.Equal(t, id, cache.TableToOnline[10])
		require.Len(t, cache.OnlineToChangeSets[id], 1)
		assert.Equal(t, ais.AddColumn, cache.OnlineToChangeSets[id][0].Kind)
		return nil
	}))
}

func TestStage_ConflictingSchemaClaimRejected(t *testing.T) {
	ctx := context.Background()
	store, _, reg, tr := setup(t)

	var idA, idB int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		idA, err = tr.Begin(ctx, txn)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		idB, err = tr.Begin(ctx, txn)
		return err
	}))

	newAIS := sampleAIS(t, 99)
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.Stage(ctx, txn, reg, idA, newAIS, []string{"test"}, ais.AllSchemas())
		return err
	}))

	err := store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.Stage(ctx, txn, reg, idB, newAIS, []string{"test"}, ais.AllSchemas())
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, online.ErrConflictingOnlineChange)
}

func TestAddChangeSet_ConflictingTableClaimRejected(t *testing.T) {
	ctx := context.Background()
	store, _, reg, tr := setup(t)

	var idA, idB int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		idA, err = tr.Begin(ctx, txn)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		idB, err = tr.Begin(ctx, txn)
		return err
	}))

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.AddChangeSet(ctx, txn, reg, idA, ais.ChangeSet{TableID: 10, Kind: ais.AddColumn}, false)
		return err
	}))

	err := store.Transact(ctx, func(txn kv.Txn) error {
		_, err := tr.AddChangeSet(ctx, txn, reg, idB, ais.ChangeSet{TableID: 10, Kind: ais.AddColumn}, false)
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, online.ErrConflictingOnlineChange)
}

func TestRecordDMLHKey_NoSuchOnlineChange(t *testing.T) {
	ctx := context.Background()
	store, _, _, tr := setup(t)

	var id int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		id, err = tr.Begin(ctx, txn)
		return err
	}))

	// No AddChangeSet was ever recorded for table 10 under id: logging DML
	// against it must be rejected rather than silently creating state.
	err := store.Transact(ctx, func(txn kv.Txn) error {
		return tr.RecordDMLHKey(ctx, txn, id, 10, []byte("row-001"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, online.ErrNoSuchOnlineChange)
}

func TestAbort_RemovesStateWithoutDoubleCounting(t *testing.T) {
	ctx := context.Background()
	store, _, reg, tr := setup(t)

	var id int64
	var genBeforeAbort int64
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		id, err = tr.Begin(ctx, txn)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		genBeforeAbort, err = reg.GetTransactionalGeneration(txn)
		return err
	}))

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		return tr.Abort(ctx, txn, reg, id)
	}))

	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		genAfter, err := reg.GetTransactionalGeneration(txn)
		require.NoError(t, err)
		// Nothing staged became externally visible, so aborting an Open
		// session must not bump the generation.
		assert.Equal(t, genBeforeAbort, genAfter)
		return nil
	}))
}
