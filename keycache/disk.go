package keycache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func (e *Engine) entryPath(key string) string {
	return filepath.Join(e.dir, key+".json")
}

// loadDiskEntry reads and validates a disk entry. Corruption is
// self-healing: any entry that fails to parse or validate is deleted and
// the lookup reports a miss.
func (e *Engine) loadDiskEntry(key string, now time.Time) (*Entry, bool) {
	path := e.entryPath(key)

	entry, err := readDiskEntry(path)
	if err == nil {
		err = entry.validate(now, e.ttl)
	}

	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Debug("removing invalid cache entry", "fingerprint", key, "err", err)
			e.removeDiskEntry(key)
		}
		return nil, false
	}

	return entry, true
}

func readDiskEntry(path string) (*Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("unparsable cache entry: %w", err)
	}

	return &entry, nil
}

// writeDiskEntry persists an entry atomically: serialize to a temp file in
// the cache directory, then rename over the target. A crash mid-write can
// never leave a partial entry visible under the final name.
func (e *Engine) writeDiskEntry(key string, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}

	return atomicWriteFile(e.entryPath(key), raw, filePerm)
}

func (e *Engine) removeDiskEntry(key string) {
	if err := os.Remove(e.entryPath(key)); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove cache entry", "fingerprint", key, "err", err)
	}
}

func (e *Engine) removeAllDiskEntries() error {
	var firstErr error

	for _, path := range e.diskEntryPaths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// atomicWriteFile writes data via a temp file and rename. If rename fails
// with the destination present (Windows), it retries after removing the
// destination; the old file survives unless the retry also succeeds part
// way.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(path)
		if err2 := os.Rename(tmpPath, path); err2 != nil {
			return fmt.Errorf("rename: %v (after remove: %v)", err, err2)
		}
	}

	return nil
}
