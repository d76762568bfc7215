package namegen_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/namegen"
)

func TestNextTableID_UniqueAcrossCalls(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	root, err := store.CreateOrOpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)

	tracker := namegen.New()
	minter, err := namegen.ForDDL(store, root, tracker)
	require.NoError(t, err)

	seen := map[int32]bool{}
	for i := 0; i < 20; i++ {
		err := store.Transact(ctx, func(txn kv.Txn) error {
			id, err := minter.NextTableID(ctx, txn)
			if err != nil {
				return err
			}
			assert.False(t, seen[id], "table id %d reused", id)
			seen[id] = true
			return nil
		})
		require.NoError(t, err)
	}
	assert.Len(t, seen, 20)
}

func TestNextIndexID_ScopedPerTable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	root, err := store.CreateOrOpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)
	tracker := namegen.New()
	minter, err := namegen.ForDDL(store, root, tracker)
	require.NoError(t, err)

	var idA, idB int32
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		idA, err = minter.NextIndexID(ctx, txn, 1)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		idB, err = minter.NextIndexID(ctx, txn, 2)
		return err
	}))
	// Index ids are scoped per-table, so the first id minted for each table
	// is allowed to collide across tables.
	assert.Equal(t, idA, idB)
}

func TestOnlineMinterUsesSeparateDirectory(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemStore()
	root, err := store.CreateOrOpenDir(ctx, []string{"schemaManager"})
	require.NoError(t, err)
	tracker := namegen.New()

	ddlMinter, err := namegen.ForDDL(store, root, tracker)
	require.NoError(t, err)
	onlineMinter, err := namegen.ForOnline(ctx, store, root, 7, tracker)
	require.NoError(t, err)

	var ddlID, onlineID int32
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		ddlID, err = ddlMinter.NextTableID(ctx, txn)
		return err
	}))
	require.NoError(t, store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		onlineID, err = onlineMinter.NextTableID(ctx, txn)
		return err
	}))
	assert.NotEqual(t, ddlID, onlineID)
}

func TestNextTreeName_UniqueOnCollision(t *testing.T) {
	tracker := namegen.New()
	minter, err := namegen.ForDDL(kv.NewMemStore(), kv.Dir{}, tracker)
	require.NoError(t, err)

	first := minter.NextTreeName("test", "t")
	second := minter.NextTreeName("test", "t")
	assert.NotEqual(t, first, second)
}
