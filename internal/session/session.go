// Package session defines the per-caller opaque bag that threads an
// attached AIS snapshot, the current transaction, and an online-session
// claim through the schema manager's public operations. A Session is not
// safe for concurrent use by multiple goroutines; each caller (thread or
// goroutine driving one logical unit of work) owns one.
package session

import (
	"context"

	"github.com/bowlofstew/sql-layer/internal/ais"
	"github.com/bowlofstew/sql-layer/internal/kv"
)

// Session is an opaque bag carrying exactly the state spec.md §3/§4.4
// attributes to a caller: the AIS attached for the current transaction,
// at most one owned online session id, and end-of-transaction callbacks.
type Session struct {
	id int64

	txn            kv.Txn
	attachedAIS    *ais.AIS
	endCallbacks   []func()
	ownedOnlineID  int64 // 0 means "no online session owned"
}

// New creates a session with the given opaque identifier (used only for
// logging/tracing attribution).
func New(id int64) *Session {
	return &Session{id: id}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() int64 { return s.id }

// BeginTxn attaches txn as the session's current transaction. Callers must
// call EndTxn when the transaction finishes (commit, abort, or retry) so
// end-of-transaction callbacks run and the attached AIS detaches.
func (s *Session) BeginTxn(txn kv.Txn) {
	s.txn = txn
}

// Txn returns the session's current transaction, or nil if none is active.
func (s *Session) Txn() kv.Txn { return s.txn }

// AttachedAIS returns the AIS attached for the current transaction, or nil
// if none has been attached yet.
func (s *Session) AttachedAIS() *ais.AIS { return s.attachedAIS }

// Attach records ais as the snapshot this session observes for the
// duration of the current transaction.
func (s *Session) Attach(a *ais.AIS) { s.attachedAIS = a }

// OnEndTransaction registers a callback run when EndTxn fires, in
// registration order — the "run after transaction ends" pattern used to
// detach the attached AIS.
func (s *Session) OnEndTransaction(fn func()) {
	s.endCallbacks = append(s.endCallbacks, fn)
}

// EndTxn runs every registered end-of-transaction callback, then clears the
// attached AIS and current transaction so the session is ready for its next
// transaction.
func (s *Session) EndTxn() {
	callbacks := s.endCallbacks
	s.endCallbacks = nil
	for _, fn := range callbacks {
		fn()
	}
	s.attachedAIS = nil
	s.txn = nil
}

// ClaimOnlineSession records that this session owns online session id,
// failing if the session already owns a different one — "at most one
// OnlineSession per session at a time" (spec.md §3).
func (s *Session) ClaimOnlineSession(id int64) error {
	if s.ownedOnlineID != 0 && s.ownedOnlineID != id {
		return ErrAlreadyOwnsOnlineSession
	}
	s.ownedOnlineID = id
	return nil
}

// OwnedOnlineID returns the online session id this session owns, or 0.
func (s *Session) OwnedOnlineID() int64 { return s.ownedOnlineID }

// ReleaseOnlineSession clears the session's online-session claim, called
// on finalize/abort.
func (s *Session) ReleaseOnlineSession() { s.ownedOnlineID = 0 }

// ErrAlreadyOwnsOnlineSession is returned by ClaimOnlineSession when the
// session already owns a different online change.
var ErrAlreadyOwnsOnlineSession = errAlreadyOwnsOnlineSession{}

type errAlreadyOwnsOnlineSession struct{}

func (errAlreadyOwnsOnlineSession) Error() string {
	return "session: one DDL online session already active for this session"
}

// sessionKeyType is an unexported key type so Session.WithContext values
// never collide with other packages' context keys.
type sessionKeyType struct{}

var sessionKey sessionKeyType

// WithContext returns a context carrying s, for handlers that receive a
// bare context.Context instead of a *Session directly.
func WithContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext retrieves the Session attached by WithContext, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey).(*Session)
	return s, ok
}
