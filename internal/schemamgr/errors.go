package schemamgr

import "fmt"

// ExternalClearError reports that required metadata keys were missing when
// this process expected them present — the schema-manager directory was
// wiped by something outside this process.
type ExternalClearError struct{}

func (e *ExternalClearError) Error() string {
	return "schemakv: metadata externally modified, restart required"
}

// IncompatibleError reports a data/meta version mismatch at startup.
type IncompatibleError struct {
	StoredData int64
	StoredMeta int64
	WantData   int64
	WantMeta   int64
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("schemakv: incompatible stored version (data=%d meta=%d), this build wants (data=%d meta=%d)",
		e.StoredData, e.StoredMeta, e.WantData, e.WantMeta)
}

// InvalidSchemaError reports that a candidate AIS failed validation; the
// caller's mutation is rejected and the generation is left untouched.
type InvalidSchemaError struct {
	Reasons []string
}

func (e *InvalidSchemaError) Error() string {
	if len(e.Reasons) == 1 {
		return fmt.Sprintf("schemakv: invalid schema: %s", e.Reasons[0])
	}
	return fmt.Sprintf("schemakv: invalid schema: %d reasons, first: %s", len(e.Reasons), e.Reasons[0])
}

// ConflictingOnlineChangeError reports that two online sessions would claim
// the same table or schema.
type ConflictingOnlineChangeError struct {
	Reason string
}

func (e *ConflictingOnlineChangeError) Error() string {
	return "schemakv: conflicting online change: " + e.Reason
}

// NoSuchOnlineChangeError reports that DML logged an hkey for a table with
// no active online session.
type NoSuchOnlineChangeError struct {
	TableID int32
}

func (e *NoSuchOnlineChangeError) Error() string {
	return fmt.Sprintf("schemakv: no active online change for table %d", e.TableID)
}

// InternalError wraps an invariant violation — a defensive assertion that
// should never trip in correct operation. Never recovered.
type InternalError struct {
	Reason string
	Cause  error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schemakv: internal error: %s: %v", e.Reason, e.Cause)
	}
	return "schemakv: internal error: " + e.Reason
}

func (e *InternalError) Unwrap() error { return e.Cause }
