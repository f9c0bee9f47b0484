// Package manifeststore is the local manifest cache: a leveldb-backed
// datastore keyed by remote name, giving `orchestrator.List` and
// `orchestrator.FetchManifest` something to fall back to when every
// server is unreachable.
package manifeststore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/netchunk/internal/manifest"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// Store is the local cache of manifests, keyed by remote name.
type Store struct {
	ds *dslvl.Datastore
}

// Open opens (creating if necessary) a leveldb datastore under dir.
func Open(dir string) (*Store, error) {
	store, err := dslvl.NewDatastore(dir, nil)
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.FileAccess, "manifeststore.Open", err)
	}
	return &Store{ds: store}, nil
}

// Put caches m under remoteName, overwriting any prior entry.
func (s *Store) Put(ctx context.Context, remoteName string, m *model.FileManifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	if err := s.ds.Put(ctx, ds.NewKey(remoteName), data); err != nil {
		return ncerrors.Wrap(ncerrors.FileAccess, "manifeststore.Put", err)
	}
	return nil
}

// Get returns the cached manifest for remoteName, if any.
func (s *Store) Get(ctx context.Context, remoteName string) (*model.FileManifest, error) {
	data, err := s.ds.Get(ctx, ds.NewKey(remoteName))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, ncerrors.New(ncerrors.FileNotFound, "manifeststore.Get", "no cached manifest for "+remoteName)
		}
		return nil, ncerrors.Wrap(ncerrors.FileAccess, "manifeststore.Get", err)
	}
	return manifest.Unmarshal(data)
}

// Delete removes the cached entry for remoteName.
func (s *Store) Delete(ctx context.Context, remoteName string) error {
	if err := s.ds.Delete(ctx, ds.NewKey(remoteName)); err != nil {
		return ncerrors.Wrap(ncerrors.FileAccess, "manifeststore.Delete", err)
	}
	return nil
}

// All returns every cached manifest. Orchestrator.List consults it when
// the servers cannot be reached.
func (s *Store) All(ctx context.Context) ([]*model.FileManifest, error) {
	res, err := s.ds.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.FileAccess, "manifeststore.All", err)
	}

	var out []*model.FileManifest
	for {
		r, ok := res.NextSync()
		if !ok {
			break
		}
		m, err := manifest.Unmarshal(r.Value)
		if err != nil {
			continue // skip locally corrupted cache entries; remote copies remain authoritative
		}
		out = append(out, m)
	}
	return out, nil
}

// Close releases the underlying leveldb handle.
func (s *Store) Close() error {
	return s.ds.Close()
}
