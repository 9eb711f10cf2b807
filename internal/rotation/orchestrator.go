// Package rotation implements the one-shot migration and key-rotation
// workflows. Both follow the same discipline: back up, transform, verify by
// a full decrypt cycle, and only then treat the previous state as
// superseded. Any failure before the atomic swap leaves the prior state
// fully authoritative.
//
// These workflows are invoked from the CLI, not from the always-running
// service. Running them concurrently against a live instance is an
// operational hazard the core does not arbitrate.
package rotation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AojdevStudio/gdrive-sub003/internal/envelope"
	"github.com/AojdevStudio/gdrive-sub003/internal/errors"
	"github.com/AojdevStudio/gdrive-sub003/internal/health"
	"github.com/AojdevStudio/gdrive-sub003/internal/keyring"
	"github.com/AojdevStudio/gdrive-sub003/internal/logging"
	"github.com/AojdevStudio/gdrive-sub003/internal/secure"
	"github.com/AojdevStudio/gdrive-sub003/internal/tokenstore"
)

// StepResult records the outcome of one workflow step.
type StepResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"` // success, failed, skipped
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Result is the outcome of a migration or rotation run.
type Result struct {
	Action     string        `json:"action"`
	Status     string        `json:"status"` // success, failed, noop
	OldVersion string        `json:"old_version,omitempty"`
	NewVersion string        `json:"new_version,omitempty"`
	BackupPath string        `json:"backup_path,omitempty"`
	Steps      []StepResult  `json:"steps"`
	Duration   time.Duration `json:"duration"`
}

// Orchestrator drives migration, rotation, and verification against one
// token store.
type Orchestrator struct {
	store     *tokenstore.Manager
	keys      *keyring.Manager
	backupDir string
	logger    *logging.Logger
	metrics   *health.Metrics
}

// New creates an orchestrator. metrics may be nil.
func New(store *tokenstore.Manager, keys *keyring.Manager, backupDir string, logger *logging.Logger, metrics *health.Metrics) *Orchestrator {
	return &Orchestrator{
		store:     store,
		keys:      keys,
		backupDir: backupDir,
		logger:    logger,
		metrics:   metrics,
	}
}

// runStep executes fn and appends its outcome to the result.
func (o *Orchestrator) runStep(result *Result, name string, fn func() error) error {
	started := time.Now()
	err := fn()

	step := StepResult{
		Name:     name,
		Status:   "success",
		Duration: time.Since(started),
	}
	if err != nil {
		step.Status = "failed"
		step.Error = err.Error()
	}
	result.Steps = append(result.Steps, step)

	if err != nil {
		result.Status = "failed"
		return errors.MigrationError{Step: name, Err: err}
	}
	return nil
}

// Migrate converts legacy flat-format storage to the versioned envelope
// under the current key. legacyKey is the raw 32-byte key the legacy data
// was encrypted with; it is wiped before return. Running Migrate against an
// already-migrated store is a no-op.
func (o *Orchestrator) Migrate(legacyKey []byte) (*Result, error) {
	defer secure.Wipe(legacyKey)

	started := time.Now()
	result := &Result{Action: "migrate", Status: "success"}
	defer func() { result.Duration = time.Since(started) }()

	raw, err := os.ReadFile(o.store.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return result, errors.ErrNoTokens
		}
		return result, fmt.Errorf("read token file: %w", err)
	}

	switch envelope.Detect(raw) {
	case envelope.FormatVersioned:
		o.logger.Info("store is already in versioned format; nothing to do")
		result.Status = "noop"
		result.Steps = append(result.Steps, StepResult{Name: "detect", Status: "skipped"})
		return result, nil
	case envelope.FormatUnknown:
		return result, fmt.Errorf("token file: %w", errors.ErrMalformedEnvelope)
	}

	var leg *envelope.Legacy
	if err := o.runStep(result, "parse-legacy", func() error {
		var err error
		leg, err = envelope.ParseLegacy(raw)
		return err
	}); err != nil {
		return result, err
	}

	if err := o.runStep(result, "backup", func() error {
		path, err := o.writeBackup(raw)
		result.BackupPath = path
		return err
	}); err != nil {
		return result, err
	}

	var tokens tokenstore.TokenData
	if err := o.runStep(result, "decrypt-legacy", func() error {
		plaintext, err := tokenstore.DecryptLegacy(legacyKey, leg)
		if err != nil {
			return err
		}
		defer secure.Wipe(plaintext)
		if err := json.Unmarshal(plaintext, &tokens); err != nil {
			return fmt.Errorf("legacy payload is not a credential set: %w", errors.ErrMalformedEnvelope)
		}
		return nil
	}); err != nil {
		return result, err
	}

	if err := o.runStep(result, "write-versioned", func() error {
		return o.store.SaveTokens(&tokens, tokenstore.EventMigrated)
	}); err != nil {
		return result, err
	}

	if err := o.runStep(result, "verify", func() error {
		loaded, err := o.store.LoadTokens()
		if err != nil {
			return err
		}
		if loaded.AccessToken != tokens.AccessToken || loaded.RefreshToken != tokens.RefreshToken {
			return fmt.Errorf("verification mismatch after migration")
		}
		return nil
	}); err != nil {
		return result, err
	}

	result.NewVersion = o.keys.CurrentVersion()
	o.logger.Info("migration complete: store now versioned under %s", result.NewVersion)
	return result, nil
}

// Rotate re-encrypts the store under a freshly registered key version and
// advances the current pointer only after the re-encrypted file verifies.
// newSecret is wiped by registration.
func (o *Orchestrator) Rotate(newVersion string, newSecret []byte) (*Result, error) {
	started := time.Now()
	oldVersion := o.keys.CurrentVersion()
	result := &Result{
		Action:     "rotate",
		Status:     "success",
		OldVersion: oldVersion,
		NewVersion: newVersion,
	}
	defer func() { result.Duration = time.Since(started) }()

	record := func(outcome string) { o.metrics.RecordRotation(outcome) }

	if err := o.runStep(result, "register-key", func() error {
		return o.keys.Register(newVersion, newSecret)
	}); err != nil {
		record("failed")
		return result, err
	}

	if o.store.Exists() {
		if err := o.runStep(result, "backup", func() error {
			raw, err := os.ReadFile(o.store.Path())
			if err != nil {
				return err
			}
			path, err := o.writeBackup(raw)
			result.BackupPath = path
			return err
		}); err != nil {
			record("failed")
			return result, err
		}

		if err := o.runStep(result, "re-encrypt", func() error {
			return o.store.MigrateToKey(oldVersion, newVersion)
		}); err != nil {
			record("failed")
			return result, err
		}

		if err := o.runStep(result, "verify", func() error {
			_, err := o.store.LoadTokens()
			return err
		}); err != nil {
			record("failed")
			return result, err
		}
	} else {
		result.Steps = append(result.Steps, StepResult{Name: "re-encrypt", Status: "skipped"})
	}

	// The pointer moves last: a failure anywhere above leaves the old
	// version fully authoritative.
	if err := o.runStep(result, "advance-current", func() error {
		return o.keys.SetCurrent(newVersion)
	}); err != nil {
		record("failed")
		return result, err
	}

	record("success")
	o.logger.Info("rotation complete: %s -> %s", oldVersion, newVersion)
	return result, nil
}

// Verify performs a dry-run decrypt cycle and reports the envelope's key
// version without mutating the store.
func (o *Orchestrator) Verify() (string, error) {
	raw, err := os.ReadFile(o.store.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.ErrNoTokens
		}
		return "", fmt.Errorf("read token file: %w", err)
	}

	if envelope.Detect(raw) == envelope.FormatLegacy {
		return "", errors.ErrMigrationRequired
	}

	env, err := envelope.Parse(raw)
	if err != nil {
		return "", err
	}

	if _, err := o.store.Decrypt(env); err != nil {
		return env.Version, err
	}
	return env.Version, nil
}

// writeBackup stores a timestamped copy of the raw token file in the
// backup directory, owner-only.
func (o *Orchestrator) writeBackup(raw []byte) (string, error) {
	if err := os.MkdirAll(o.backupDir, 0700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(o.backupDir, fmt.Sprintf("tokens-%s.bak", time.Now().UTC().Format("20060102-150405.000")))
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return path, nil
}

// PruneBackups keeps the newest keep backups and removes the rest.
func (o *Orchestrator) PruneBackups(keep int) error {
	if keep <= 0 {
		return nil
	}

	entries, err := os.ReadDir(o.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read backup dir: %w", err)
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".bak" {
			backups = append(backups, entry.Name())
		}
	}
	if len(backups) <= keep {
		return nil
	}

	// Timestamped names sort chronologically
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-keep] {
		if err := os.Remove(filepath.Join(o.backupDir, name)); err != nil {
			o.logger.Warn("failed to prune backup %s: %v", name, err)
		}
	}
	return nil
}
