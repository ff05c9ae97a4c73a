package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

const (
	// MaxBackups is the number of backups kept per config file.
	MaxBackups = 3

	// BackupSuffix separates the file name from the backup timestamp.
	BackupSuffix = ".bak"
)

// BackupFile copies path to a timestamped sibling and prunes old backups.
// It returns the backup path, or "" when path does not exist.
func BackupFile(path string) (string, error) {
	if !fileExists(path) {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", merrors.ConfigError(fmt.Sprintf("failed to read %s for backup", path), err)
	}

	backupPath := fmt.Sprintf("%s%s.%s", path, BackupSuffix, time.Now().Format("20060102-150405.000000000"))
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", merrors.ConfigError("failed to write backup", err)
	}

	// Pruning is best effort; the backup itself succeeded.
	_ = pruneBackups(path)
	return backupPath, nil
}

// ListBackups returns the backups of path, newest first.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, merrors.ConfigError(fmt.Sprintf("failed to list %s", dir), err)
	}

	prefix := filepath.Base(path) + BackupSuffix + "."
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}

	// Timestamps sort lexically, so name order is age order.
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

func pruneBackups(path string) error {
	backups, err := ListBackups(path)
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackups {
		return nil
	}
	for _, b := range backups[MaxBackups:] {
		_ = os.Remove(b)
	}
	return nil
}

// WriteWithBackup backs up any existing file at path and then writes c.
func (c *Config) WriteWithBackup(path string) (string, error) {
	backup, err := BackupFile(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", merrors.ConfigError("failed to create config directory", err)
	}
	return backup, c.WriteYAML(path)
}
