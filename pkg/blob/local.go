package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/evaloor/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

var _ Store = (*localStore)(nil)

// localStore keeps blobs as flat files in a directory.
type localStore struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.Owner
}

// NewLocalStore creates a Store rooted at dir. The directory is created
// lazily on first write.
func NewLocalStore(log logrus.FieldLogger, dir string, owner *fsutil.Owner) Store {
	return &localStore{
		log:   log.WithField("component", "blob-local"),
		dir:   filepath.Clean(dir),
		owner: owner,
	}
}

func (s *localStore) path(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}

	return filepath.Join(s.dir, name), nil
}

func (s *localStore) Put(_ context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}

	if err := fsutil.WriteFileAtomic(p, data, s.owner); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"name":  name,
		"bytes": len(data),
	}).Debug("Wrote blob")

	return nil
}

func (s *localStore) Get(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading blob: %w", err)
	}

	return data, nil
}

func (s *localStore) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}

	return fsutil.Exists(p)
}
