// Package sqlite persists audit sessions in a SQLite database with one row
// per session and audit type, so concurrent runs of different audit types
// never contend on a shared document.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tracklens/trackaudit/internal/audit"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	sqliteDriverNameConstant             = "sqlite"
	migrationsDirectoryConstant          = "migrations"
	openDatabaseErrorTemplateConstant    = "failed to open session database: %w"
	pragmaErrorTemplateConstant          = "failed to configure session database: %w"
	readMigrationsErrorTemplateConstant  = "failed to read embedded migrations: %w"
	execMigrationErrorTemplateConstant   = "failed to apply migration %s: %w"
	loadSessionErrorTemplateConstant     = "failed to load session: %w"
	loadResultsErrorTemplateConstant     = "failed to load session results: %w"
	decodeResultErrorTemplateConstant    = "failed to decode persisted result for %s: %w"
	saveSessionErrorTemplateConstant     = "failed to save session: %w"
	saveResultErrorTemplateConstant      = "failed to save result for %s: %w"
	encodeResultErrorTemplateConstant    = "failed to encode result for %s: %w"
	recoverScanErrorTemplateConstant     = "failed to scan interrupted results: %w"
	recoverUpdateErrorTemplateConstant   = "failed to update interrupted result: %w"
	missingSessionResultTemplateConstant = "session %s has no result for %s"

	busyTimeoutPragmaConstant = "PRAGMA busy_timeout = 5000"
	journalModePragmaConstant = "PRAGMA journal_mode = WAL"
	foreignKeysPragmaConstant = "PRAGMA foreign_keys = ON"
)

// Store reads and writes audit sessions through a SQLite database handle.
type Store struct {
	database *sql.DB
}

// Open opens (creating when absent) the session database at the provided
// path and applies the embedded migrations.
func Open(executionContext context.Context, databasePath string) (*Store, error) {
	database, openError := sql.Open(sqliteDriverNameConstant, databasePath)
	if openError != nil {
		return nil, fmt.Errorf(openDatabaseErrorTemplateConstant, openError)
	}

	for _, pragmaStatement := range []string{busyTimeoutPragmaConstant, journalModePragmaConstant, foreignKeysPragmaConstant} {
		if _, pragmaError := database.ExecContext(executionContext, pragmaStatement); pragmaError != nil {
			_ = database.Close()
			return nil, fmt.Errorf(pragmaErrorTemplateConstant, pragmaError)
		}
	}

	store := NewStore(database)
	if migrateError := store.Migrate(executionContext); migrateError != nil {
		_ = database.Close()
		return nil, migrateError
	}
	return store, nil
}

// NewStore wraps an already-opened database handle.
func NewStore(database *sql.DB) *Store {
	return &Store{database: database}
}

// Close releases the underlying database handle.
func (store *Store) Close() error {
	return store.database.Close()
}

// Migrate applies the embedded SQL migrations in file-name order.
func (store *Store) Migrate(executionContext context.Context) error {
	migrationEntries, readError := migrationFS.ReadDir(migrationsDirectoryConstant)
	if readError != nil {
		return fmt.Errorf(readMigrationsErrorTemplateConstant, readError)
	}

	sort.Slice(migrationEntries, func(firstIndex, secondIndex int) bool {
		return migrationEntries[firstIndex].Name() < migrationEntries[secondIndex].Name()
	})

	for _, migrationEntry := range migrationEntries {
		if migrationEntry.IsDir() {
			continue
		}
		migrationBytes, migrationReadError := migrationFS.ReadFile(migrationsDirectoryConstant + "/" + migrationEntry.Name())
		if migrationReadError != nil {
			return fmt.Errorf(execMigrationErrorTemplateConstant, migrationEntry.Name(), migrationReadError)
		}
		if _, executionError := store.database.ExecContext(executionContext, string(migrationBytes)); executionError != nil {
			return fmt.Errorf(execMigrationErrorTemplateConstant, migrationEntry.Name(), executionError)
		}
	}

	return nil
}

// LoadLatestSession returns the most recently updated session with its
// per-type results, or nil when no session has been persisted.
func (store *Store) LoadLatestSession(executionContext context.Context) (*audit.Session, error) {
	sessionRow := store.database.QueryRowContext(executionContext, `
		SELECT session_id, created_at_unix, updated_at_unix
		FROM audit_sessions
		ORDER BY updated_at_unix DESC, session_id
		LIMIT 1
	`)

	var sessionID string
	var createdAtUnix int64
	var updatedAtUnix int64
	scanError := sessionRow.Scan(&sessionID, &createdAtUnix, &updatedAtUnix)
	if errors.Is(scanError, sql.ErrNoRows) {
		return nil, nil
	}
	if scanError != nil {
		return nil, fmt.Errorf(loadSessionErrorTemplateConstant, scanError)
	}

	auditSession := &audit.Session{
		ID:        sessionID,
		CreatedAt: time.Unix(createdAtUnix, 0).UTC(),
		UpdatedAt: time.Unix(updatedAtUnix, 0).UTC(),
		Results:   map[audit.Type]*audit.Result{},
	}

	resultRows, queryError := store.database.QueryContext(executionContext, `
		SELECT audit_type, payload_json
		FROM audit_results
		WHERE session_id = ?
	`, sessionID)
	if queryError != nil {
		return nil, fmt.Errorf(loadResultsErrorTemplateConstant, queryError)
	}
	defer resultRows.Close()

	for resultRows.Next() {
		var auditTypeValue string
		var payloadJSON string
		if rowScanError := resultRows.Scan(&auditTypeValue, &payloadJSON); rowScanError != nil {
			return nil, fmt.Errorf(loadResultsErrorTemplateConstant, rowScanError)
		}

		var auditResult audit.Result
		if decodeError := json.Unmarshal([]byte(payloadJSON), &auditResult); decodeError != nil {
			return nil, fmt.Errorf(decodeResultErrorTemplateConstant, auditTypeValue, decodeError)
		}
		auditSession.Results[audit.Type(auditTypeValue)] = &auditResult
	}
	if rowsError := resultRows.Err(); rowsError != nil {
		return nil, fmt.Errorf(loadResultsErrorTemplateConstant, rowsError)
	}

	return auditSession, nil
}

// SaveSession upserts the session metadata row.
func (store *Store) SaveSession(executionContext context.Context, auditSession *audit.Session) error {
	if upsertError := store.upsertSessionMetadata(executionContext, store.database, auditSession); upsertError != nil {
		return fmt.Errorf(saveSessionErrorTemplateConstant, upsertError)
	}
	return nil
}

type sqlExecutor interface {
	ExecContext(executionContext context.Context, query string, arguments ...any) (sql.Result, error)
}

func (store *Store) upsertSessionMetadata(executionContext context.Context, executor sqlExecutor, auditSession *audit.Session) error {
	_, executionError := executor.ExecContext(executionContext, `
		INSERT INTO audit_sessions(session_id, created_at_unix, updated_at_unix)
		VALUES(?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			updated_at_unix = MAX(audit_sessions.updated_at_unix, excluded.updated_at_unix)
	`, auditSession.ID, auditSession.CreatedAt.Unix(), auditSession.UpdatedAt.Unix())
	return executionError
}

// SaveResult persists exactly one audit type's result row together with the
// session metadata, inside a transaction.
func (store *Store) SaveResult(executionContext context.Context, auditSession *audit.Session, auditType audit.Type) error {
	auditResult, resultExists := auditSession.Results[auditType]
	if !resultExists {
		return fmt.Errorf(missingSessionResultTemplateConstant, auditSession.ID, auditType)
	}

	payloadBytes, encodeError := json.Marshal(auditResult)
	if encodeError != nil {
		return fmt.Errorf(encodeResultErrorTemplateConstant, auditType, encodeError)
	}

	transaction, beginError := store.database.BeginTx(executionContext, nil)
	if beginError != nil {
		return fmt.Errorf(saveResultErrorTemplateConstant, auditType, beginError)
	}
	defer func() {
		_ = transaction.Rollback()
	}()

	if upsertError := store.upsertSessionMetadata(executionContext, transaction, auditSession); upsertError != nil {
		return fmt.Errorf(saveResultErrorTemplateConstant, auditType, upsertError)
	}

	var completedAtUnix any
	if auditResult.CompletedAt != nil {
		completedAtUnix = auditResult.CompletedAt.Unix()
	}

	_, upsertError := transaction.ExecContext(executionContext, `
		INSERT INTO audit_results(
			session_id, audit_type, result_id, status,
			started_at_unix, completed_at_unix, payload_json, updated_at_unix
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, audit_type) DO UPDATE SET
			result_id = excluded.result_id,
			status = excluded.status,
			started_at_unix = excluded.started_at_unix,
			completed_at_unix = excluded.completed_at_unix,
			payload_json = excluded.payload_json,
			updated_at_unix = excluded.updated_at_unix
	`,
		auditSession.ID,
		string(auditType),
		auditResult.ID,
		string(auditResult.Status),
		auditResult.StartedAt.Unix(),
		completedAtUnix,
		string(payloadBytes),
		auditSession.UpdatedAt.Unix(),
	)
	if upsertError != nil {
		return fmt.Errorf(saveResultErrorTemplateConstant, auditType, upsertError)
	}

	if commitError := transaction.Commit(); commitError != nil {
		return fmt.Errorf(saveResultErrorTemplateConstant, auditType, commitError)
	}
	return nil
}

// RecoverInterruptedResults forces every persisted result still running or
// pending to error with the provided message, returning how many rows were
// reconciled.
func (store *Store) RecoverInterruptedResults(executionContext context.Context, completedAt time.Time, errorMessage string) (int, error) {
	staleRows, queryError := store.database.QueryContext(executionContext, `
		SELECT session_id, audit_type, payload_json
		FROM audit_results
		WHERE status IN (?, ?)
	`, string(audit.StepStatusRunning), string(audit.StepStatusPending))
	if queryError != nil {
		return 0, fmt.Errorf(recoverScanErrorTemplateConstant, queryError)
	}
	defer staleRows.Close()

	type staleResultRow struct {
		sessionID   string
		auditType   string
		payloadJSON string
	}

	var staleResults []staleResultRow
	for staleRows.Next() {
		var row staleResultRow
		if scanError := staleRows.Scan(&row.sessionID, &row.auditType, &row.payloadJSON); scanError != nil {
			return 0, fmt.Errorf(recoverScanErrorTemplateConstant, scanError)
		}
		staleResults = append(staleResults, row)
	}
	if rowsError := staleRows.Err(); rowsError != nil {
		return 0, fmt.Errorf(recoverScanErrorTemplateConstant, rowsError)
	}

	recoveredCount := 0
	for _, staleResult := range staleResults {
		var auditResult audit.Result
		if decodeError := json.Unmarshal([]byte(staleResult.payloadJSON), &auditResult); decodeError != nil {
			return recoveredCount, fmt.Errorf(decodeResultErrorTemplateConstant, staleResult.auditType, decodeError)
		}

		if !audit.MarkInterrupted(&auditResult, errorMessage, completedAt.UTC()) {
			continue
		}

		payloadBytes, encodeError := json.Marshal(&auditResult)
		if encodeError != nil {
			return recoveredCount, fmt.Errorf(encodeResultErrorTemplateConstant, staleResult.auditType, encodeError)
		}

		_, updateError := store.database.ExecContext(executionContext, `
			UPDATE audit_results
			SET status = ?, completed_at_unix = ?, payload_json = ?, updated_at_unix = ?
			WHERE session_id = ? AND audit_type = ?
		`,
			string(auditResult.Status),
			completedAt.Unix(),
			string(payloadBytes),
			completedAt.Unix(),
			staleResult.sessionID,
			staleResult.auditType,
		)
		if updateError != nil {
			return recoveredCount, fmt.Errorf(recoverUpdateErrorTemplateConstant, updateError)
		}
		recoveredCount++
	}

	return recoveredCount, nil
}
