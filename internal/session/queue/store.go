// Package queue persists a session's message queue across restarts.
//
// Each working directory gets its own subdirectory under the data
// root's queues/ dir, named by a SHA-256 prefix of the canonical path.
// Saves are atomic (temp file + rename) with a backup sidecar restored
// on failure, and concurrent saves per store are coalesced.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
)

const (
	queueFileName    = "queue.json"
	backupSidecar    = "queue.json.backup"
	backupTimeFormat = "20060102T150405.000"

	// DefaultBackupRetention is how many timestamped backups are kept.
	DefaultBackupRetention = 5
	// DefaultAutoSaveInterval is the periodic persistence cadence.
	DefaultAutoSaveInterval = 30 * time.Second
)

// DirName returns the per-directory queue folder name: the first 16 hex
// chars of SHA-256 over the cleaned absolute path.
func DirName(workingDir string) string {
	abs, err := filepath.Abs(filepath.Clean(workingDir))
	if err != nil {
		abs = filepath.Clean(workingDir)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// Store persists one session's queue. Safe for concurrent use.
type Store struct {
	root       string // data root, e.g. ~/.clawdeck
	workingDir string
	dir        string // <root>/queues/<hash>
	retention  int
	logger     *logger.Logger

	mu          sync.Mutex
	saving      bool
	saveDone    chan struct{}
	rerun       bool
	rerunItems  []Message
	rerunQuiet  bool
	lastSaveErr error

	autoStop chan struct{}
	autoOnce sync.Once
}

// NewStore creates a Store for a working directory, creating the
// per-directory queue folder if needed.
func NewStore(root, workingDir string, retention int, log *logger.Logger) (*Store, error) {
	if retention <= 0 {
		retention = DefaultBackupRetention
	}
	dir := filepath.Join(root, "queues", DirName(workingDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Store{
		root:       root,
		workingDir: workingDir,
		dir:        dir,
		retention:  retention,
		logger: log.WithFields(
			zap.String("component", "queue-store"),
			zap.String("queue_dir", dir)),
		autoStop: make(chan struct{}),
	}, nil
}

// Dir returns the per-directory queue folder path.
func (s *Store) Dir() string { return s.dir }

// Load reads the persisted queue. A missing file yields an empty queue.
// Malformed items are dropped, and any item left in processing by a
// crash is coerced back to pending. A legacy single-file queue at the
// data root is migrated into the per-directory layout on first load.
func (s *Store) Load() ([]Message, error) {
	s.migrateLegacy()

	path := filepath.Join(s.dir, queueFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var items []Message
	if err := json.Unmarshal(data, &items); err != nil {
		// Corrupt primary: a crash mid-save leaves the sidecar intact.
		sidecar := filepath.Join(s.dir, backupSidecar)
		if backup, berr := os.ReadFile(sidecar); berr == nil {
			if json.Unmarshal(backup, &items) == nil {
				s.logger.Warn("queue file corrupt, restored from backup sidecar")
				return normalize(items), nil
			}
		}
		return nil, fmt.Errorf("decode queue file: %w", err)
	}

	kept := normalize(items)
	if dropped := len(items) - len(kept); dropped > 0 {
		s.logger.Warn("dropped malformed queue items", zap.Int("count", dropped))
	}
	return kept, nil
}

// Save persists a snapshot of the queue. When a save is already in
// flight, the caller's snapshot is queued for a single re-issued save
// after the current one finishes, and the call blocks until that save
// completes. suppressBackup skips the sidecar/rotation step, used by
// the auto-save path.
func (s *Store) Save(items []Message, suppressBackup bool) error {
	snapshot := cloneMessages(items)

	s.mu.Lock()
	if s.saving {
		// Latest snapshot wins the rerun slot.
		s.rerun = true
		s.rerunItems = snapshot
		s.rerunQuiet = suppressBackup
		done := s.saveDone
		s.mu.Unlock()
		<-done
		s.mu.Lock()
		err := s.lastSaveErr
		s.mu.Unlock()
		return err
	}
	s.saving = true
	s.saveDone = make(chan struct{})
	s.mu.Unlock()

	var err error
	for {
		if werr := s.writeAtomic(snapshot, suppressBackup); werr != nil {
			err = werr
		}
		s.mu.Lock()
		if s.rerun {
			s.rerun = false
			snapshot = s.rerunItems
			suppressBackup = s.rerunQuiet
			s.rerunItems = nil
			s.mu.Unlock()
			continue
		}
		s.saving = false
		s.lastSaveErr = err
		close(s.saveDone)
		s.mu.Unlock()
		return err
	}
}

// StartAutoSave persists the snapshot periodically while the queue is
// non-empty. Backups are suppressed on this path.
func (s *Store) StartAutoSave(interval time.Duration, snapshot func() []Message) {
	if interval <= 0 {
		interval = DefaultAutoSaveInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.autoStop:
				return
			case <-ticker.C:
				items := snapshot()
				if len(items) == 0 {
					continue
				}
				if err := s.Save(items, true); err != nil {
					s.logger.Warn("auto-save failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the auto-save loop.
func (s *Store) Stop() {
	s.autoOnce.Do(func() { close(s.autoStop) })
}

// writeAtomic performs one backup-guarded atomic save.
func (s *Store) writeAtomic(items []Message, suppressBackup bool) error {
	path := filepath.Join(s.dir, queueFileName)
	sidecar := filepath.Join(s.dir, backupSidecar)

	hasBackup := false
	if !suppressBackup {
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, sidecar); err != nil {
				return fmt.Errorf("write backup sidecar: %w", err)
			}
			hasBackup = true
		}
	}

	err := func() error {
		data, err := json.MarshalIndent(normalize(items), "", "  ")
		if err != nil {
			return fmt.Errorf("encode queue: %w", err)
		}

		tmp, err := os.CreateTemp(s.dir, "queue-*.tmp")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("close temp file: %w", err)
		}
		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	}()

	if err != nil {
		if hasBackup {
			if rerr := os.Rename(sidecar, path); rerr != nil {
				s.logger.Error("backup restore failed", zap.Error(rerr))
			}
		}
		return err
	}

	if hasBackup {
		// Promote the sidecar to a timestamped backup and prune old ones.
		stamped := filepath.Join(s.dir,
			backupSidecar+"-"+time.Now().UTC().Format(backupTimeFormat))
		if rerr := os.Rename(sidecar, stamped); rerr != nil {
			os.Remove(sidecar)
		}
		s.pruneBackups()
	}
	return nil
}

// pruneBackups deletes timestamped backups beyond the retention count,
// oldest first.
func (s *Store) pruneBackups() {
	matches, err := filepath.Glob(filepath.Join(s.dir, backupSidecar+"-*"))
	if err != nil || len(matches) <= s.retention {
		return
	}
	sort.Strings(matches) // timestamp format sorts lexicographically
	for _, old := range matches[:len(matches)-s.retention] {
		if err := os.Remove(old); err != nil {
			s.logger.Warn("backup prune failed",
				zap.String("file", old), zap.Error(err))
		}
	}
}

// migrateLegacy moves a root-level queue.json into the per-directory
// layout. Only runs when the per-directory file does not exist yet.
func (s *Store) migrateLegacy() {
	legacy := filepath.Join(s.root, queueFileName)
	target := filepath.Join(s.dir, queueFileName)

	if _, err := os.Stat(target); err == nil {
		return
	}
	if _, err := os.Stat(legacy); err != nil {
		return
	}
	if err := os.Rename(legacy, target); err != nil {
		// Rename can fail across mounts; fall back to copy + remove.
		if cerr := copyFile(legacy, target); cerr != nil {
			s.logger.Warn("legacy queue migration failed", zap.Error(cerr))
			return
		}
		os.Remove(legacy)
	}
	s.logger.Info("migrated legacy queue file",
		zap.String("from", legacy), zap.String("to", target))
}

// normalize drops malformed items, deduplicates on (payload, createdAt),
// and coerces processing items back to pending. Deduplicating on status
// as well would silently drop a deliberately repeated prompt, so only
// true double-writes collapse.
func normalize(items []Message) []Message {
	type key struct {
		payload   string
		createdAt time.Time
	}
	seen := make(map[key]bool, len(items))
	out := make([]Message, 0, len(items))
	for _, item := range items {
		if !item.valid() {
			continue
		}
		k := key{item.Payload, item.CreatedAt}
		if seen[k] {
			continue
		}
		seen[k] = true
		if item.Status == StatusProcessing {
			item.Status = StatusPending
			item.ProcessingStartedAt = nil
		}
		out = append(out, item)
	}
	return out
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
