package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// storeFile is the on-disk shape of the job store.
type storeFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// loadStore reads the job store. A missing file yields an empty store;
// an unreadable one is logged and treated as empty.
func loadStore(path string) storeFile {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read cron store", "path", path, "error", err)
		}
		return storeFile{Version: 1}
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		slog.Error("corrupt cron store, starting empty", "path", path, "error", err)
		return storeFile{Version: 1}
	}
	if sf.Version == 0 {
		sf.Version = 1
	}
	return sf
}

// saveStore rewrites the whole store file atomically (temp file → rename).
func saveStore(path string, sf storeFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron store: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "cron-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
