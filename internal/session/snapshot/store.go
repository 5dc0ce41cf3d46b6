// Package snapshot persists the audit session as a single JSON document on
// disk. Writes go to a temporary file renamed into place, so a reader never
// observes a half-written document. The whole document is rewritten on every
// save: concurrent writers from separate processes race with last-writer-wins
// semantics, which is why the SQLite backend is the default.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tracklens/trackaudit/internal/audit"
)

const (
	snapshotPathRequiredMessageConstant  = "snapshot store requires a file path"
	readSnapshotErrorTemplateConstant    = "failed to read session snapshot: %w"
	decodeSnapshotErrorTemplateConstant  = "failed to decode session snapshot: %w"
	encodeSnapshotErrorTemplateConstant  = "failed to encode session snapshot: %w"
	writeSnapshotErrorTemplateConstant   = "failed to write session snapshot: %w"
	renameSnapshotErrorTemplateConstant  = "failed to replace session snapshot: %w"
	missingSessionResultTemplateConstant = "session %s has no result for %s"

	temporarySnapshotPatternConstant = ".trackaudit-session-*.json"
	snapshotFileModeConstant         = fs.FileMode(0o600)
)

// Store reads and writes the session snapshot document.
type Store struct {
	snapshotPath string
	writeMutex   sync.Mutex
}

// NewStore constructs a snapshot store writing to the provided path.
func NewStore(snapshotPath string) (*Store, error) {
	if len(snapshotPath) == 0 {
		return nil, errors.New(snapshotPathRequiredMessageConstant)
	}
	return &Store{snapshotPath: snapshotPath}, nil
}

// LoadLatestSession returns the persisted session, or nil when the snapshot
// file does not exist yet.
func (store *Store) LoadLatestSession(executionContext context.Context) (*audit.Session, error) {
	if contextError := executionContext.Err(); contextError != nil {
		return nil, contextError
	}

	snapshotBytes, readError := os.ReadFile(store.snapshotPath)
	if errors.Is(readError, fs.ErrNotExist) {
		return nil, nil
	}
	if readError != nil {
		return nil, fmt.Errorf(readSnapshotErrorTemplateConstant, readError)
	}

	var auditSession audit.Session
	if decodeError := json.Unmarshal(snapshotBytes, &auditSession); decodeError != nil {
		return nil, fmt.Errorf(decodeSnapshotErrorTemplateConstant, decodeError)
	}
	if auditSession.Results == nil {
		auditSession.Results = map[audit.Type]*audit.Result{}
	}
	return &auditSession, nil
}

// SaveSession writes the whole session document atomically.
func (store *Store) SaveSession(executionContext context.Context, auditSession *audit.Session) error {
	if contextError := executionContext.Err(); contextError != nil {
		return contextError
	}
	return store.writeSnapshot(auditSession)
}

// SaveResult persists the session document containing the provided audit
// type's result. The snapshot backend has no finer write grain than the
// whole document.
func (store *Store) SaveResult(executionContext context.Context, auditSession *audit.Session, auditType audit.Type) error {
	if _, resultExists := auditSession.Results[auditType]; !resultExists {
		return fmt.Errorf(missingSessionResultTemplateConstant, auditSession.ID, auditType)
	}
	return store.SaveSession(executionContext, auditSession)
}

// RecoverInterruptedResults forces results left running or pending to error
// with the provided message and rewrites the snapshot when anything changed.
func (store *Store) RecoverInterruptedResults(executionContext context.Context, completedAt time.Time, errorMessage string) (int, error) {
	auditSession, loadError := store.LoadLatestSession(executionContext)
	if loadError != nil {
		return 0, loadError
	}
	if auditSession == nil {
		return 0, nil
	}

	recoveredCount := 0
	for _, auditResult := range auditSession.Results {
		if audit.MarkInterrupted(auditResult, errorMessage, completedAt.UTC()) {
			recoveredCount++
		}
	}

	if recoveredCount == 0 {
		return 0, nil
	}
	if writeError := store.writeSnapshot(auditSession); writeError != nil {
		return 0, writeError
	}
	return recoveredCount, nil
}

func (store *Store) writeSnapshot(auditSession *audit.Session) error {
	store.writeMutex.Lock()
	defer store.writeMutex.Unlock()

	snapshotBytes, encodeError := json.MarshalIndent(auditSession, "", "  ")
	if encodeError != nil {
		return fmt.Errorf(encodeSnapshotErrorTemplateConstant, encodeError)
	}

	snapshotDirectory := filepath.Dir(store.snapshotPath)
	temporaryFile, createError := os.CreateTemp(snapshotDirectory, temporarySnapshotPatternConstant)
	if createError != nil {
		return fmt.Errorf(writeSnapshotErrorTemplateConstant, createError)
	}
	temporaryPath := temporaryFile.Name()

	if _, writeError := temporaryFile.Write(snapshotBytes); writeError != nil {
		_ = temporaryFile.Close()
		_ = os.Remove(temporaryPath)
		return fmt.Errorf(writeSnapshotErrorTemplateConstant, writeError)
	}
	if chmodError := temporaryFile.Chmod(snapshotFileModeConstant); chmodError != nil {
		_ = temporaryFile.Close()
		_ = os.Remove(temporaryPath)
		return fmt.Errorf(writeSnapshotErrorTemplateConstant, chmodError)
	}
	if closeError := temporaryFile.Close(); closeError != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf(writeSnapshotErrorTemplateConstant, closeError)
	}

	if renameError := os.Rename(temporaryPath, store.snapshotPath); renameError != nil {
		_ = os.Remove(temporaryPath)
		return fmt.Errorf(renameSnapshotErrorTemplateConstant, renameError)
	}
	return nil
}
