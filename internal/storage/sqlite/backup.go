package sqlite

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mistakeknot/tickstore/internal/core"
	"github.com/mistakeknot/tickstore/internal/storage"
)

// Journal side files that travel with the primary database file.
var sideSuffixes = []string{"-wal", "-shm"}

const (
	backupInfix = ".backup_"
	stampLayout = "20060102_150405"
)

// BackupManager creates, enumerates, and restores timestamped copies of the
// database and its journal side files. Backups live in the same directory as
// the database, named <db>.backup_<YYYYMMDD_HHMMSS>.
type BackupManager struct {
	path     string
	attempts int
	delay    time.Duration
	nowFunc  func() time.Time // for tests
}

// NewBackupManager returns a manager for the database at path with the
// default policy: 3 attempts, 1s base delay.
func NewBackupManager(path string) *BackupManager {
	return &BackupManager{path: path, attempts: 3, delay: time.Second, nowFunc: time.Now}
}

// Backup copies the primary file plus any side files to a timestamped name,
// retrying with increasing delay if the source is transiently inaccessible.
// The returned error wraps ErrBackupFailed after the final attempt so
// callers can apply their own data-safety policy.
func (m *BackupManager) Backup() (string, error) {
	if _, err := os.Stat(m.path); err != nil {
		return "", fmt.Errorf("%w: %v", storage.ErrBackupFailed, err)
	}

	dst := m.freshName()

	var err error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		if err = m.copySet(m.path, dst); err == nil {
			return dst, nil
		}
		removeSet(dst)
		if attempt < m.attempts {
			time.Sleep(time.Duration(attempt) * m.delay)
		}
	}
	return "", fmt.Errorf("%w: %v", storage.ErrBackupFailed, err)
}

// freshName picks a timestamped destination that does not collide with an
// existing backup: a backup is never taken over the top of an older one with
// the same name.
func (m *BackupManager) freshName() string {
	ts := m.nowFunc()
	for {
		dst := m.path + backupInfix + ts.Format(stampLayout)
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			return dst
		}
		ts = ts.Add(time.Second)
	}
}

// List enumerates backups beside the database, newest first. Timestamps are
// parsed from the file name; unparsable stamps fall back to the file's
// modification time.
func (m *BackupManager) List() ([]core.BackupInfo, error) {
	dir := filepath.Dir(m.path)
	prefix := filepath.Base(m.path) + backupInfix

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	var backups []core.BackupInfo
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || hasSideSuffix(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ts, perr := time.ParseInLocation(stampLayout, strings.TrimPrefix(name, prefix), time.Local)
		if perr != nil {
			ts = info.ModTime()
		}
		backups = append(backups, core.BackupInfo{
			Path:      filepath.Join(dir, name),
			Timestamp: ts,
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].Timestamp.Equal(backups[j].Timestamp) {
			return backups[i].Timestamp.After(backups[j].Timestamp)
		}
		return backups[i].Path > backups[j].Path
	})
	return backups, nil
}

// Restore copies the chosen backup over the live database, defaulting to the
// newest when path is empty. A safety copy of whatever is currently live is
// taken first, even if it is the corrupt file being replaced, so no state is
// discarded without a copy existing somewhere. Side files follow the backup:
// present ones are copied, absent ones scrub stale live side files. The
// integrity monitor re-verifies the result.
func (m *BackupManager) Restore(path string) error {
	if path == "" {
		list, err := m.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			return fmt.Errorf("restore: no backups found beside %s", m.path)
		}
		path = list[0].Path
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if _, berr := m.Backup(); berr != nil {
			log.Printf("backup: safety copy before restore failed: %v", berr)
		}
	}

	if err := copyFile(path, m.path); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	for _, sfx := range sideSuffixes {
		if _, err := os.Stat(path + sfx); err == nil {
			if cerr := copyFile(path+sfx, m.path+sfx); cerr != nil {
				return fmt.Errorf("restore %s: %w", sfx, cerr)
			}
		} else {
			// The backup predates these side files; remove stale ones.
			os.Remove(m.path + sfx)
		}
	}

	if rep := NewChecker(m.path).Check(); !rep.OK() {
		return fmt.Errorf("%w: restored %s: %s", storage.ErrCorruptionUnrepaired, filepath.Base(path), rep.Details)
	}
	return nil
}

// Prune removes backups beyond the newest keep, returning the removed
// paths. keep < 1 disables pruning rather than deleting everything. Shared
// by the background pruner and the operator CLI.
func (m *BackupManager) Prune(keep int) ([]string, error) {
	if keep < 1 {
		return nil, nil
	}
	list, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(list) <= keep {
		return nil, nil
	}

	var removed []string
	for _, b := range list[keep:] {
		if err := m.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("prune %s: %w", b.Path, err)
		}
		removed = append(removed, b.Path)
	}
	return removed, nil
}

// Remove deletes a backup and its side files. Used by the retention pruner
// and the operator CLI.
func (m *BackupManager) Remove(path string) error {
	if !strings.Contains(filepath.Base(path), backupInfix) {
		return fmt.Errorf("refusing to remove non-backup file %s", path)
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	for _, sfx := range sideSuffixes {
		os.Remove(path + sfx)
	}
	return nil
}

func (m *BackupManager) copySet(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return err
	}
	for _, sfx := range sideSuffixes {
		if _, err := os.Stat(src + sfx); err == nil {
			if cerr := copyFile(src+sfx, dst+sfx); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

func removeSet(path string) {
	os.Remove(path)
	for _, sfx := range sideSuffixes {
		os.Remove(path + sfx)
	}
}

func hasSideSuffix(name string) bool {
	for _, sfx := range sideSuffixes {
		if strings.HasSuffix(name, sfx) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
