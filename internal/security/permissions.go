// internal/security/permissions.go
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PermissionError reports a content path whose mode lets other users
// change what the daemon executes.
type PermissionError struct {
	Path   string
	Mode   fs.FileMode
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s %s (mode %04o)", e.Path, e.Reason, e.Mode)
}

// Directories may grant the group read and execute, nothing more.
const maxDirGroupOther fs.FileMode = 0050

func checkMode(path string, info fs.FileInfo) error {
	mode := info.Mode().Perm()
	switch {
	case mode&0002 != 0:
		return &PermissionError{Path: path, Mode: mode, Reason: "is world-writable"}
	case info.IsDir() && mode&0077 > maxDirGroupOther:
		return &PermissionError{Path: path, Mode: mode, Reason: "is too permissive, expected 0700 or 0750"}
	}
	return nil
}

// ValidateDirectoryPermissions rejects a directory with a mode looser
// than 0750.
func ValidateDirectoryPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking directory permissions: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return checkMode(path, info)
}

// ValidateFilePermissions rejects a world-writable file.
func ValidateFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking file permissions: %w", err)
	}
	return checkMode(path, info)
}

func isContentFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// ValidateContentTree checks root and every directory and YAML file below
// it. All problems are returned joined; a bad root stops the walk.
func ValidateContentTree(root string) error {
	if err := ValidateDirectoryPermissions(root); err != nil {
		return err
	}
	var problems []error
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root || (!d.IsDir() && !isContentFile(path)) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if err := checkMode(path, info); err != nil {
			problems = append(problems, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}
	return errors.Join(problems...)
}
