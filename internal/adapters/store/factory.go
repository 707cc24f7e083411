package store

import (
	"github.com/pkg/errors"

	"dev.forensix.extract-engine/internal/core/ports"
)

// StoreType selects an EventStorage implementation.
type StoreType string

const (
	MemoryStore     StoreType = "memory"
	FilesystemStore StoreType = "filesystem"
)

// NewStore builds an EventStorage backend. The memory backend serves
// in-process runs and tests; the filesystem backend is the one shared
// with spawned worker processes through the session directory.
func NewStore(storeType StoreType, root string, sources []string) (ports.EventStorage, error) {
	switch storeType {
	case MemoryStore:
		return NewInMemoryStore(sources), nil
	case FilesystemStore:
		fs, err := NewFileStore(root)
		if err != nil {
			return nil, err
		}
		if len(sources) > 0 {
			if err := fs.WriteSources(sources); err != nil {
				return nil, err
			}
		}
		return fs, nil
	default:
		return nil, errors.Errorf("unknown store type %q", storeType)
	}
}
