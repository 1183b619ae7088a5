// Package fsutil holds small filesystem helpers shared by the blob store and
// the report writer.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Owner is a parsed "UID:GID" pair applied to created paths.
type Owner struct {
	UID int
	GID int
}

// ParseOwner parses "UID:GID". An empty string yields a nil owner.
func ParseOwner(spec string) (*Owner, error) {
	if spec == "" {
		return nil, nil
	}

	uidStr, gidStr, ok := strings.Cut(spec, ":")
	if !ok || strings.Contains(gidStr, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected UID:GID", spec)
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", uidStr, err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GID %q: %w", gidStr, err)
	}

	return &Owner{UID: uid, GID: gid}, nil
}

// apply chowns path when an owner is configured. Errors are ignored.
func (o *Owner) apply(path string) {
	if o == nil {
		return
	}

	_ = os.Chown(path, o.UID, o.GID)
}

// MkdirAll creates the directory tree and applies the owner to the leaf.
func MkdirAll(path string, owner *Owner) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}

	owner.apply(path)

	return nil
}

// WriteFileAtomic writes data to a uniquely named sibling temp file and
// renames it into place, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, owner *Owner) error {
	dir := filepath.Dir(path)
	if err := MkdirAll(dir, owner); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("renaming temp file: %w", err)
	}

	owner.apply(path)

	return nil
}

// Exists reports whether path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}
