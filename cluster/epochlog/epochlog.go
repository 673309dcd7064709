// Package epochlog implements the append-only, on-disk epoch log: one file
// per epoch holding the sorted member list and a cluster ctime fingerprint,
// plus an in-memory index of the recorded epoch numbers for fast lookups.
package epochlog

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/clusterd/noded/cluster/node"
	"github.com/clusterd/noded/internal/logging"
)

var logger = logging.GetLogger("cluster/epochlog")

// ErrNotFound is returned by Read when the requested epoch has no record.
var ErrNotFound = errors.New("epochlog: epoch not found")

// ErrEpochMismatch is returned by Append when the epoch already has a
// record whose content differs from the one being appended; appending an
// identical record is idempotent and returns nil.
var ErrEpochMismatch = errors.New("epochlog: epoch already recorded with different content")

// Record is a single persisted epoch entry.
type Record struct {
	Epoch   uint32      `cbor:"epoch"`
	Ctime   uint64      `cbor:"ctime"`
	Members []node.Node `cbor:"members"`
}

// Log is the on-disk, append-only epoch log. It is safe for concurrent
// readers; Append must only be called from the single main-thread actor
// that owns cluster state (see cluster/event), so no internal write lock is
// taken beyond what's needed to keep the index consistent with the
// filesystem.
type Log struct {
	dir string

	mu    sync.RWMutex
	index *btree.BTree // of epochEntry, ordered by Epoch
}

type epochEntry struct {
	epoch uint32
}

func (e epochEntry) Less(than btree.Item) bool {
	return e.epoch < than.(epochEntry).epoch
}

// Open opens (creating if necessary) an epoch log rooted at dir, populating
// the in-memory index by scanning existing epoch files.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "epochlog: create directory")
	}
	l := &Log{dir: dir, index: btree.New(16)}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "epochlog: list directory")
	}
	for _, fi := range entries {
		var epoch uint32
		if n, err := fsscanEpoch(fi.Name(), &epoch); err != nil || n != 1 {
			continue
		}
		l.index.ReplaceOrInsert(epochEntry{epoch: epoch})
	}
	return l, nil
}

// ReadLatest returns the highest epoch number recorded, or 0 if the log is
// empty (callers use IsEmpty to distinguish WaitFormat from WaitJoin).
func (l *Log) ReadLatest() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var max uint32
	l.index.Descend(func(i btree.Item) bool {
		max = i.(epochEntry).epoch
		return false
	})
	return max
}

// IsEmpty reports whether no epoch has ever been recorded.
func (l *Log) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index.Len() == 0
}

// Read returns the sorted member list and ctime recorded for epoch, or
// ErrNotFound.
func (l *Log) Read(epoch uint32) (Record, error) {
	l.mu.RLock()
	_, ok := l.index.Get(epochEntry{epoch: epoch}).(epochEntry)
	l.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return l.readFile(epoch)
}

func (l *Log) readFile(epoch uint32) (Record, error) {
	raw, err := ioutil.ReadFile(l.path(epoch))
	if err != nil {
		return Record{}, errors.Wrap(err, "epochlog: read file")
	}
	decompressed, err := snappy.Decode(nil, raw)
	if err != nil {
		return Record{}, errors.Wrap(err, "epochlog: decompress")
	}
	var rec Record
	if err := cbor.Unmarshal(decompressed, &rec); err != nil {
		return Record{}, errors.Wrap(err, "epochlog: decode")
	}
	return rec, nil
}

// Append writes a new record for epoch. Appending an epoch that already
// exists is an error (ErrEpochMismatch) unless the content is bit-identical
// with what's already on disk, in which case it is a silent no-op.
func (l *Log) Append(epoch uint32, ctime uint64, members []node.Node) error {
	sorted := node.SortNodes(append([]node.Node(nil), members...))
	rec := Record{Epoch: epoch, Ctime: ctime, Members: sorted}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index.Get(epochEntry{epoch: epoch}).(epochEntry); ok {
		existing, err := l.readFile(epoch)
		if err != nil {
			return err
		}
		identical := existing.Ctime == rec.Ctime && len(existing.Members) == len(rec.Members)
		for i := 0; identical && i < len(rec.Members); i++ {
			identical = existing.Members[i] == rec.Members[i]
		}
		if identical {
			logger.Debug("idempotent epoch append", "epoch", epoch)
			return nil
		}
		return ErrEpochMismatch
	}

	encoded, err := cbor.Marshal(&rec)
	if err != nil {
		return errors.Wrap(err, "epochlog: encode")
	}
	compressed := snappy.Encode(nil, encoded)
	if err := ioutil.WriteFile(l.path(epoch), compressed, 0o644); err != nil {
		return errors.Wrap(err, "epochlog: write file")
	}
	l.index.ReplaceOrInsert(epochEntry{epoch: epoch})
	logger.Info("appended epoch record", "epoch", epoch, "members", len(sorted))
	return nil
}

func (l *Log) path(epoch uint32) string {
	return filepath.Join(l.dir, epochFileName(epoch))
}
