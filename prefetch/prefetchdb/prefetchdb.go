// Package prefetchdb stores the built prefetch Map in an in-memory pebble
// instance, giving it a concurrency-safe, queryable home instead of a bare
// map guarded by a package-level mutex. cmd/surge-server opens it at startup
// and closes it on shutdown; the proxy does not use it.
package prefetchdb

import (
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/fxamacker/cbor/v2"

	"github.com/omalloc/surge/prefetch"
)

// DB is a read-mostly, process-lifetime store for the prefetch map. It is
// built once at startup and never mutated afterwards.
type DB struct {
	db *pebble.DB
}

// Open builds an in-memory pebble instance and loads m into it.
func Open(m prefetch.Map) (*DB, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}

	batch := db.NewBatch()
	for key, refs := range m {
		buf, err := cbor.Marshal(refs)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := batch.Set([]byte(key), buf, nil); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Lookup returns the ordered list of canonical URIs referenced by
// canonicalURI, if it is a known HTML page.
func (d *DB) Lookup(canonicalURI string) ([]string, bool) {
	val, closer, err := d.db.Get([]byte(canonicalURI))
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	var refs []string
	if err := cbor.Unmarshal(val, &refs); err != nil {
		return nil, false
	}
	return refs, true
}

func (d *DB) Close() error {
	return d.db.Close()
}
