package tokenstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
)

// EventKind identifies an audit event.
type EventKind string

const (
	EventAcquired            EventKind = "token_acquired"
	EventRefreshed           EventKind = "token_refreshed"
	EventRefreshFailed       EventKind = "token_refresh_failed"
	EventRevoked             EventKind = "token_revoked_by_user"
	EventDeletedInvalidGrant EventKind = "token_deleted_invalid_grant"
	EventEncrypted           EventKind = "token_encrypted"
	EventDecrypted           EventKind = "token_decrypted"
	EventMigrated            EventKind = "storage_migrated"
	EventRotated             EventKind = "key_rotated"
)

// AuditEntry is one append-only audit record. Entries carry a SHA-256
// digest of the token, never the token itself.
type AuditEntry struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Event       EventKind         `json:"event"`
	UserID      string            `json:"user_id,omitempty"`
	TokenDigest string            `json:"token_digest,omitempty"`
	Success     bool              `json:"success"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuditLog appends structured records to a single-writer JSONL file created
// with owner-only permissions.
type AuditLog struct {
	path   string
	userID string
	logger *logging.Logger
	mu     sync.Mutex
}

// NewAuditLog creates an audit log writer. Nothing is written until the
// first event.
func NewAuditLog(path, userID string, logger *logging.Logger) *AuditLog {
	return &AuditLog{
		path:   path,
		userID: userID,
		logger: logger,
	}
}

// Digest returns the hex SHA-256 of a token, or empty for an empty token.
// This is the only representation of a token that may enter the log.
func Digest(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Record appends an entry. Audit failures are logged but do not fail the
// operation being audited: losing an audit line is preferable to losing a
// token write.
func (a *AuditLog) Record(event EventKind, tokenDigest string, success bool, metadata map[string]string) {
	entry := AuditEntry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Event:       event,
		UserID:      a.userID,
		TokenDigest: tokenDigest,
		Success:     success,
		Metadata:    metadata,
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.append(entry); err != nil {
		a.logger.Warn("audit append failed for %s: %v", event, err)
	}
}

func (a *AuditLog) append(entry AuditEntry) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	// O_APPEND with 0600 set at creation, before any byte is written
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// History returns the most recent entries, newest first. A limit <= 0
// returns everything.
func (a *AuditLog) History(limit int) ([]AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // Skip lines damaged by partial writes
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	// Newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
