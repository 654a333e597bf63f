package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// Engine is a key-value backend with the maintenance hooks the admin
// surface exposes. It is implemented by PebbleStore, BadgerStore, BoltStore
// and MemoryStore, so the dispatch layer can treat any of them as a
// store.Backend without knowing which engine is in use.
type Engine interface {
	store.Backend

	// IsReady reports whether the engine accepts requests.
	IsReady() bool

	// Compact triggers a compaction or garbage-collection pass if the engine
	// supports it.
	Compact(ctx context.Context) error

	// Backup writes a consistent snapshot to path.
	Backup(ctx context.Context, path string) error
}

// Engine names accepted by Open.
const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
	EngineBolt   = "bolt"
	EngineMemory = "memory"
)

// Options configures any embedded engine.
type Options struct {
	DataDir    string
	SyncWrites bool
	// Compaction starts a background value-log GC on engines that need one.
	Compaction         bool
	CompactionInterval time.Duration
	Logger             *logrus.Logger
}

// Open creates the named engine rooted at opts.DataDir.
func Open(engine string, opts Options) (Engine, error) {
	switch engine {
	case EnginePebble:
		return NewPebbleStore(PebbleOptions{DataDir: opts.DataDir, SyncWrites: opts.SyncWrites, Logger: opts.Logger})
	case EngineBadger:
		return NewBadgerStore(BadgerOptions{
			DataDir:           opts.DataDir,
			SyncWrites:        opts.SyncWrites,
			CompactionEnabled: opts.Compaction,
			GCInterval:        opts.CompactionInterval,
			Logger:            opts.Logger,
		})
	case EngineBolt:
		return NewBoltStore(BoltOptions{DataDir: opts.DataDir, SyncWrites: opts.SyncWrites, Logger: opts.Logger})
	case EngineMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown metadata engine %q", engine)
	}
}

// ==================== Key locks ====================

const lockStripes = 256

// stripeKey seeds the stripe hash. It only needs to be fixed for the
// lifetime of the process.
var stripeKey = []byte("stalwart-store-key-lock-stripes!")

// keyLocks serializes read-modify-write cycles on the same key for engines
// without native transactions. Keys hash onto a fixed set of mutexes.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func stripeOf(key []byte) int {
	return int(highwayhash.Sum64(key, stripeKey) % lockStripes)
}

// lock acquires the stripes covering keys in ascending order so that
// concurrent multi-key batches cannot deadlock.
func (l *keyLocks) lock(keys [][]byte) (unlock func()) {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		s := stripeOf(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		idx = append(idx, s)
	}
	sort.Ints(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			l.stripes[idx[j]].Unlock()
		}
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
