// Package session declares the persistence contract for audit sessions. Two
// backends implement it: a SQLite store keyed per audit type (the default)
// and a single-file JSON snapshot store.
package session

import (
	"context"
	"time"

	"github.com/tracklens/trackaudit/internal/audit"
)

// InterruptedRunMessage is the fixed error recorded on results recovered
// after a process restart.
const InterruptedRunMessage = "audit interrupted by application restart"

// Store persists audit sessions and their per-type results.
//
// LoadLatestSession returns the most recently updated session, or nil when
// none has been persisted yet. SaveResult persists exactly one audit type's
// result together with the session metadata; two audit types completing
// concurrently therefore never overwrite each other. Implementations must
// guarantee a reader never observes a half-written document.
type Store interface {
	LoadLatestSession(executionContext context.Context) (*audit.Session, error)
	SaveSession(executionContext context.Context, auditSession *audit.Session) error
	SaveResult(executionContext context.Context, auditSession *audit.Session, auditType audit.Type) error
	RecoverInterruptedResults(executionContext context.Context, completedAt time.Time, errorMessage string) (int, error)
}
