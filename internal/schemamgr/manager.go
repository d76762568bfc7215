// Package schemamgr is the schema manager front (C6): it composes the AIS
// codec, name generator, generation registry, and online session tracker
// into the small set of public operations every caller actually uses —
// get the AIS, apply a DDL, drive an online change, rename/drop a table,
// list storage paths — each mediated inside a KV transaction.
package schemamgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/generation"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/online"
	"github.com/bowlofstew/sql-layer/internal/session"
)

// Version constants the running code requires. Startup refuses any other
// stored combination unless explicitly authorized to clear.
const (
	CurrentDataVersion int64 = 5
	CurrentMetaVersion int64 = 3
)

var schemakvTracer = otel.Tracer("github.com/bowlofstew/sql-layer/schemamgr")

var schemakvMetrics struct {
	conflictRetries metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/bowlofstew/sql-layer/schemamgr")
	schemakvMetrics.conflictRetries, _ = m.Int64Counter("schemakv.generation.conflict_retries",
		metric.WithDescription("KV commit conflicts retried while publishing a schema change"),
		metric.WithUnit("{retry}"),
	)
}

// RetryPolicy tunes the exponential backoff ApplyDDL and its siblings use
// when the KV layer reports a commit conflict on the generation key.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the shape of the teacher's transaction retry
// tuning, scaled for an optimistic-concurrency KV commit loop rather than a
// SQL serialization-error loop.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, InitialDelay: 10 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Config controls Start.
type Config struct {
	// ClearIncompatibleData authorizes wiping and reinitializing the
	// schema-manager directory when the stored data/meta version disagrees
	// with CurrentDataVersion/CurrentMetaVersion.
	ClearIncompatibleData bool
	Retry                 RetryPolicy
	Logger                *slog.Logger
}

// Manager is the schema manager front. Construct with Start.
type Manager struct {
	store   kv.Store
	rootDir kv.Dir
	reg     *generation.Registry
	online  *online.Tracker
	retry   RetryPolicy
	log     *slog.Logger
}

// Start runs the startup procedure: ensure directories exist, check stored
// version compatibility (clearing and reinitializing if authorized and
// needed), load the committed AIS, and install it as current.
func Start(ctx context.Context, store kv.Store, rootPath []string, cfg Config) (*Manager, error) {
	root, err := store.CreateOrOpenDir(ctx, rootPath)
	if err != nil {
		return nil, fmt.Errorf("schemamgr: open root directory: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	m := &Manager{store: store, rootDir: root, retry: retry, log: log}
	m.reg = generation.New(store, root, m.loadAIS)
	m.online = online.New(store, root)

	err = m.runInTransaction(ctx, func(txn kv.Txn) error {
		dv, mv, present, err := m.reg.CheckVersions(txn)
		if err != nil {
			return err
		}
		if !present {
			_, err := m.reg.InitializeIfAbsent(txn, CurrentDataVersion, CurrentMetaVersion)
			return err
		}
		if dv != CurrentDataVersion || mv != CurrentMetaVersion {
			if !cfg.ClearIncompatibleData {
				return &IncompatibleError{StoredData: dv, StoredMeta: mv, WantData: CurrentDataVersion, WantMeta: CurrentMetaVersion}
			}
			start, end := root.Range()
			txn.ClearRange(start, end)
			_, err := m.reg.InitializeIfAbsent(txn, CurrentDataVersion, CurrentMetaVersion)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var seed *ais.AIS
	err = store.Transact(ctx, func(txn kv.Txn) error {
		g, err := m.reg.GetTransactionalGeneration(txn)
		if err != nil {
			return err
		}
		seed, err = m.loadAIS(ctx, txn, g)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("schemamgr: load initial AIS: %w", err)
	}
	m.reg.InstallInitial(seed)

	// Reconcile the name generator with any online-staged ids left behind
	// by a previous process, so a restart never hands out an id a staged
	// (but not yet finalized) online change already claimed.
	err = store.Transact(ctx, func(txn kv.Txn) error {
		cache, err := m.online.BuildCache(ctx, txn, seed)
		if err != nil {
			return err
		}
		for _, overlay := range cache.OnlineAIS {
			m.reg.NameGenerator().MergeAIS(overlay)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schemamgr: reconcile online name generator: %w", err)
	}

	return m, nil
}

// Shutdown releases nothing: the installed AIS and name-generator state stay
// in memory until the Manager is no longer referenced. It never touches the
// KV store.
func (m *Manager) Shutdown() {}

func (m *Manager) protobufKey(schema string) []byte {
	return m.rootDir.Pack(append([]byte("protobuf/"), []byte(schema)...))
}

func (m *Manager) listCommittedSchemas(txn kv.Txn) ([]string, error) {
	start, end := m.rootDir.Range()
	rows, err := txn.GetRange(start, end)
	if err != nil {
		return nil, err
	}
	prefix := string(m.rootDir.Pack([]byte("protobuf/")))
	var names []string
	for _, r := range rows {
		k := string(r.Key)
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	return names, nil
}

func (m *Manager) loadAIS(ctx context.Context, txn kv.Txn, gen int64) (*ais.AIS, error) {
	schemas, err := m.listCommittedSchemas(txn)
	if err != nil {
		return nil, err
	}
	b := ais.NewBuilder(gen)
	for _, schemaName := range schemas {
		frag, err := txn.Get(m.protobufKey(schemaName))
		if err != nil {
			return nil, err
		}
		if frag == nil {
			continue
		}
		if err := b.ReadInto(schemaName, frag); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

func (m *Manager) tableStoragePath(name ais.TableName) []string {
	return append(append([]string(nil), m.rootDir.Path()...), "data", name.Schema, name.Table)
}

// runInTransaction retries fn on kv.ErrCommitConflict with exponential
// backoff, the same shape as the teacher's RunInTransaction but keyed off
// an optimistic-concurrency KV commit instead of a SQL serialization error.
func (m *Manager) runInTransaction(ctx context.Context, fn func(txn kv.Txn) error) error {
	ctx, span := schemakvTracer.Start(ctx, "schemamgr.transaction", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retry.InitialDelay
	bo.MaxInterval = m.retry.MaxDelay
	bo.MaxElapsedTime = 0
	limited := backoff.WithMaxRetries(bo, uint64(m.retry.MaxAttempts))

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		txn, err := m.store.BeginTxn(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(txn); err != nil {
			txn.Rollback()
			if errors.Is(err, kv.ErrCommitConflict) {
				m.log.Debug("schemamgr: commit conflict, retrying", "attempt", attempts)
				return err
			}
			if errors.Is(err, generation.ErrExternalClear) {
				return backoff.Permanent(&ExternalClearError{})
			}
			if errors.Is(err, online.ErrConflictingOnlineChange) {
				return backoff.Permanent(&ConflictingOnlineChangeError{Reason: err.Error()})
			}
			return backoff.Permanent(err)
		}
		if err := txn.Commit(); err != nil {
			if errors.Is(err, kv.ErrCommitConflict) {
				m.log.Debug("schemamgr: commit conflict, retrying", "attempt", attempts)
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(limited, ctx))

	if attempts > 1 {
		schemakvMetrics.conflictRetries.Add(ctx, int64(attempts-1))
	}
	if err != nil {
		var internal *InternalError
		if !errors.As(err, &internal) {
			m.log.Warn("schemamgr: transaction failed", "error", err, "attempts", attempts)
		} else {
			m.log.Error("schemamgr: transaction failed", "error", err, "attempts", attempts)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// GetAIS delegates to the generation registry.
func (m *Manager) GetAIS(ctx context.Context, sess *session.Session) (*ais.AIS, error) {
	txn := sess.Txn()
	if txn == nil {
		return nil, &InternalError{Reason: "GetAIS called outside a transaction"}
	}
	a, err := m.reg.GetSessionAIS(ctx, sess, txn)
	if errors.Is(err, generation.ErrExternalClear) {
		return nil, &ExternalClearError{}
	}
	return a, err
}

// ErrNoOwnedOnlineSession is returned by every online-path operation when
// the calling session does not currently own an online change.
var ErrNoOwnedOnlineSession = errors.New("schemakv: session owns no online change")

// GetOnlineAIS returns the AIS overlay visible only to the session that
// owns the current online change.
func (m *Manager) GetOnlineAIS(ctx context.Context, sess *session.Session) (*ais.AIS, error) {
	id := sess.OwnedOnlineID()
	if id == 0 {
		return nil, ErrNoOwnedOnlineSession
	}
	txn := sess.Txn()
	if txn == nil {
		return nil, &InternalError{Reason: "GetOnlineAIS called outside a transaction"}
	}
	committed, err := m.GetAIS(ctx, sess)
	if err != nil {
		return nil, err
	}
	cache, err := m.online.BuildCache(ctx, txn, committed)
	if err != nil {
		return nil, err
	}
	if overlay, ok := cache.OnlineAIS[id]; ok {
		return overlay, nil
	}
	return committed, nil
}

// ApplyDDL clones the session's current AIS, applies mutator, validates and
// publishes the result, and attaches the new AIS to sess — spec's
// "apply_ddl". schemas names every schema mutator touched; only those get a
// fresh protobuf/<schema> fragment.
func (m *Manager) ApplyDDL(ctx context.Context, sess *session.Session, schemas []string, mutator func(b *ais.Builder) error) (*ais.AIS, error) {
	var result *ais.AIS
	err := m.runInTransaction(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()

		cur, err := m.reg.GetSessionAIS(ctx, sess, txn)
		if err != nil {
			return err
		}
		b := cur.Clone()
		if err := mutator(b); err != nil {
			return err
		}
		next, err := m.reg.NextGeneration(txn)
		if err != nil {
			return err
		}
		b.SetGeneration(next)
		newAIS, err := b.Finish()
		if err != nil {
			var inv *ais.InvalidSchemaError
			if errors.As(err, &inv) {
				return &InvalidSchemaError{Reasons: inv.Reasons}
			}
			return err
		}
		for _, schemaName := range schemas {
			frag, err := ais.Serialize(newAIS, schemaName, ais.AllSchemas())
			if err != nil {
				return fmt.Errorf("schemamgr: serialize schema %q: %w", schemaName, err)
			}
			txn.Set(m.protobufKey(schemaName), frag)
		}
		sess.Attach(newAIS)
		result = newAIS
		return nil
	})
	return result, err
}

// BeginOnline allocates a new online session id for sess — spec's
// "begin_online". Exactly one online session may be owned per session.
func (m *Manager) BeginOnline(ctx context.Context, sess *session.Session) (int64, error) {
	// correlationID is log/span-only; the KV-minted id below is authoritative.
	correlationID := uuid.New().String()
	var id int64
	err := m.runInTransaction(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()
		newID, err := m.online.Begin(ctx, txn)
		if err != nil {
			return err
		}
		if err := sess.ClaimOnlineSession(newID); err != nil {
			return err
		}
		id = newID
		return nil
	})
	if err == nil {
		m.log.Debug("schemamgr: online session begun", "online_id", id, "correlation_id", correlationID)
	}
	return id, err
}

// StageOnline assigns newAIS a fresh generation and writes its staged
// fragments for schemas — spec's "stage_online".
func (m *Manager) StageOnline(ctx context.Context, sess *session.Session, newAIS *ais.AIS, schemas []string, sel ais.WriteSelector) (int64, error) {
	id := sess.OwnedOnlineID()
	if id == 0 {
		return 0, ErrNoOwnedOnlineSession
	}
	var gen int64
	err := m.runInTransaction(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()
		g, err := m.online.Stage(ctx, txn, m.reg, id, newAIS, schemas, sel)
		if err != nil {
			return err
		}
		gen = g
		return nil
	})
	return gen, err
}

// AddOnlineChangeSet records cs against sess's owned online change — spec's
// "add_online_change_set".
func (m *Manager) AddOnlineChangeSet(ctx context.Context, sess *session.Session, cs ais.ChangeSet) error {
	id := sess.OwnedOnlineID()
	if id == 0 {
		return ErrNoOwnedOnlineSession
	}
	return m.runInTransaction(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()
		_, err := m.online.AddChangeSet(ctx, txn, m.reg, id, cs, false)
		return err
	})
}

// FinalizeOnline promotes the staged fragments for schemas into the
// committed AIS and releases sess's online-session claim.
func (m *Manager) FinalizeOnline(ctx context.Context, sess *session.Session, schemas []string) (int64, error) {
	id := sess.OwnedOnlineID()
	if id == 0 {
		return 0, ErrNoOwnedOnlineSession
	}
	var gen int64
	err := m.runInTransaction(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()
		g, err := m.online.Finalize(ctx, txn, m.reg, id, schemas)
		if err != nil {
			return err
		}
		gen = g
		return nil
	})
	if err == nil {
		sess.ReleaseOnlineSession()
	}
	return gen, err
}

// AbortOnline discards sess's staged online change.
func (m *Manager) AbortOnline(ctx context.Context, sess *session.Session) error {
	id := sess.OwnedOnlineID()
	if id == 0 {
		return ErrNoOwnedOnlineSession
	}
	err := m.runInTransaction(ctx, func(txn kv.Txn) error {
		sess.BeginTxn(txn)
		defer sess.EndTxn()
		return m.online.Abort(ctx, txn, m.reg, id)
	})
	if err == nil {
		sess.ReleaseOnlineSession()
	}
	return err
}

// RecordOnlineHandledHKey logs that concurrent DML wrote hkey to tableID
// while onlineID's change is active. The caller need not own onlineID —
// any session's DML participates in logging for a table undergoing an
// online change it does not itself own.
func (m *Manager) RecordOnlineHandledHKey(ctx context.Context, onlineID int64, tableID int32, hkey []byte) error {
	err := m.runInTransaction(ctx, func(txn kv.Txn) error {
		return m.online.RecordDMLHKey(ctx, txn, onlineID, tableID, hkey)
	})
	if errors.Is(err, online.ErrNoSuchOnlineChange) {
		return &NoSuchOnlineChangeError{TableID: tableID}
	}
	return err
}

// ScanOnlineHandledHKeys returns every hkey logged for tableID under
// onlineID, in lexicographic order, starting after fromHKey (exclusive) if
// non-nil.
func (m *Manager) ScanOnlineHandledHKeys(ctx context.Context, onlineID int64, tableID int32, fromHKey []byte) ([][]byte, error) {
	var out [][]byte
	err := m.store.Transact(ctx, func(txn kv.Txn) error {
		it, err := m.online.EnumerateDMLHKeys(ctx, txn, onlineID, tableID, fromHKey)
		if err != nil {
			return err
		}
		for it.HasNext() {
			h, ok := it.Next()
			if !ok {
				break
			}
			out = append(out, h)
		}
		return nil
	})
	return out, err
}

// RenameTable moves oldName to newName: the AIS entry is rewritten in the
// same DDL transaction that bumps the generation, then the underlying
// storage directory is moved to match.
func (m *Manager) RenameTable(ctx context.Context, sess *session.Session, oldName, newName ais.TableName) (*ais.AIS, error) {
	schemas := []string{oldName.Schema}
	if newName.Schema != oldName.Schema {
		schemas = append(schemas, newName.Schema)
	}
	newAIS, err := m.ApplyDDL(ctx, sess, schemas, func(b *ais.Builder) error {
		oldSchema := b.Schema(oldName.Schema)
		t, ok := oldSchema.Tables[oldName.Table]
		if !ok {
			return &InvalidSchemaError{Reasons: []string{fmt.Sprintf("no such table %s", oldName)}}
		}
		delete(oldSchema.Tables, oldName.Table)
		nt := *t
		nt.Name = newName
		b.Schema(newName.Schema).Tables[newName.Table] = &nt
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.store.CreateOrOpenDir(ctx, append(append([]string(nil), m.rootDir.Path()...), "data", newName.Schema)); err != nil {
		return nil, err
	}
	oldPath, newPath := m.tableStoragePath(oldName), m.tableStoragePath(newName)
	if err := m.store.MoveDir(ctx, oldPath, newPath); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	return newAIS, nil
}

// DropTable removes table from the AIS, then clears and removes its
// storage directory.
func (m *Manager) DropTable(ctx context.Context, sess *session.Session, name ais.TableName) error {
	_, err := m.ApplyDDL(ctx, sess, []string{name.Schema}, func(b *ais.Builder) error {
		schema := b.Schema(name.Schema)
		if _, ok := schema.Tables[name.Table]; !ok {
			return &InvalidSchemaError{Reasons: []string{fmt.Sprintf("no such table %s", name)}}
		}
		delete(schema.Tables, name.Table)
		return nil
	})
	if err != nil {
		return err
	}

	path := m.tableStoragePath(name)
	if err := m.store.Transact(ctx, func(txn kv.Txn) error {
		dir, derr := m.store.OpenDir(ctx, path)
		if derr != nil {
			if errors.Is(derr, kv.ErrNotFound) {
				return nil
			}
			return derr
		}
		start, end := dir.Range()
		txn.ClearRange(start, end)
		return nil
	}); err != nil {
		return err
	}
	if err := m.store.RemoveDir(ctx, path); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return nil
}

// ListOnlineSessions reports every currently active online session id, for
// the CLI's "online list".
func (m *Manager) ListOnlineSessions(ctx context.Context) ([]int64, error) {
	return m.online.ListActiveIDs(ctx)
}

// OnlineProgress reports the read-model progress of one online session, for
// the CLI's "online status".
func (m *Manager) OnlineProgress(ctx context.Context, id int64) (online.Progress, error) {
	var p online.Progress
	err := m.store.Transact(ctx, func(txn kv.Txn) error {
		var err error
		p, err = m.online.Progress(ctx, txn, id)
		return err
	})
	return p, err
}

// ListStoragePaths visits the session's current AIS and reports every
// storage path referenced by a table — used by integrity and GC tools.
func (m *Manager) ListStoragePaths(ctx context.Context, sess *session.Session) ([][]string, error) {
	a, err := m.GetAIS(ctx, sess)
	if err != nil {
		return nil, err
	}
	var out [][]string
	for _, s := range a.Schemas {
		for _, t := range s.Tables {
			out = append(out, m.tableStoragePath(t.Name))
		}
	}
	return out, nil
}
