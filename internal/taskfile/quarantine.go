package taskfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves an unparseable file into quarantineDir, preserving its
// original bytes, and writes a .reason sidecar next to it. The store never
// deletes corrupt records.
func Quarantine(quarantineDir, filePath, reason string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}

	sidecar := quarantinePath + ".reason"
	if err := os.WriteFile(sidecar, []byte(reason+"\n"), 0644); err != nil {
		return quarantinePath, fmt.Errorf("write quarantine reason: %w", err)
	}

	return quarantinePath, nil
}

// RestoreFromBackup overwrites filePath with its .bak sibling, provided the
// backup still parses as YAML.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if err := validateYAML(content); err != nil {
		return fmt.Errorf("backup YAML is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}
