// Package blob stores binary payloads by content address. A payload is named
// by the SHA-256 of its bytes plus an extension sniffed from its content, so
// identical buffers always map to the same reference.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/fsutil"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// FileType tags a persisted file reference.
const FileType = "evaloor-file"

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// File is the stable reference that replaces a binary payload in any
// persisted value.
type File struct {
	Type string `json:"__type" mapstructure:"__type"`
	Path string `json:"path" mapstructure:"path"`
}

// Store persists and retrieves blobs by name.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// Presigner is implemented by stores that can hand out direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, name string) (string, error)
}

// Preflighter is implemented by stores that can verify write access up front.
type Preflighter interface {
	Preflight(ctx context.Context) error
}

// Reference computes the content-addressed reference for data without
// writing anything.
func Reference(data []byte) File {
	sum := sha256.Sum256(data)

	ext := mimetype.Detect(data).Extension()
	if ext == "" {
		ext = ".bin"
	}

	return File{Type: FileType, Path: hex.EncodeToString(sum[:]) + ext}
}

// Write stores data under its content address and returns the reference.
func Write(ctx context.Context, store Store, data []byte) (File, error) {
	ref := Reference(data)

	exists, err := store.Exists(ctx, ref.Path)
	if err != nil {
		return File{}, fmt.Errorf("checking blob %s: %w", ref.Path, err)
	}

	if exists {
		return ref, nil
	}

	if err := store.Put(ctx, ref.Path, data); err != nil {
		return File{}, fmt.Errorf("writing blob %s: %w", ref.Path, err)
	}

	return ref, nil
}

// ContentType returns the sniffed MIME type of data.
func ContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// ValidName reports whether name is a single clean path element, which is
// the only shape Reference produces.
func ValidName(name string) bool {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}

	return path.Clean(name) == name
}

// NewStore builds the configured blob backend. S3 wins over the local
// directory when enabled.
func NewStore(log logrus.FieldLogger, cfg *config.BlobConfig) (Store, error) {
	if cfg.S3 != nil && cfg.S3.Enabled {
		return NewS3Store(log, cfg.S3)
	}

	if cfg.Local == nil || cfg.Local.Dir == "" {
		return nil, fmt.Errorf("no blob backend configured")
	}

	owner, err := fsutil.ParseOwner(cfg.Local.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing blob owner: %w", err)
	}

	return NewLocalStore(log, cfg.Local.Dir, owner), nil
}
