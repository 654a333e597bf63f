package stores

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/metrics"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

// PurgeWorker periodically reclaims blobs whose reservations expired
// without being linked, and drops expired values from in-memory lookup
// stores.
type PurgeWorker struct {
	store    *Store
	blobs    *BlobStore
	lookups  []*LookupStore
	metrics  metrics.Manager
	logger   *logrus.Logger
	now      func() uint64
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewPurgeWorker creates a purge worker for the link records in s and the
// blob bytes in blobs.
func NewPurgeWorker(s *Store, blobs *BlobStore, m metrics.Manager, logger *logrus.Logger) *PurgeWorker {
	if logger == nil {
		logger = logrus.New()
	}
	return &PurgeWorker{
		store:    s,
		blobs:    blobs,
		metrics:  orNoop(m),
		logger:   logger,
		now:      store.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithLookupStores adds the in-memory stores among lookups to every pass.
// It must be called before Start.
func (w *PurgeWorker) WithLookupStores(lookups map[string]*LookupStore) *PurgeWorker {
	names := make([]string, 0, len(lookups))
	for name, l := range lookups {
		if l.Kind() == LookupKindMemory {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.lookups = append(w.lookups, lookups[name])
	}
	return w
}

// Start begins the purge worker
func (w *PurgeWorker) Start(ctx context.Context, interval time.Duration) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.ticker = time.NewTicker(interval)

	w.logger.WithField("interval", interval).Info("Blob purge worker started")

	go func() {
		defer close(w.done)

		// Run immediately on start
		w.RunOnce(ctx)

		for {
			select {
			case <-w.ticker.C:
				w.RunOnce(ctx)
			case <-w.stopChan:
				w.ticker.Stop()
				w.logger.Info("Blob purge worker stopped")
				return
			case <-ctx.Done():
				w.ticker.Stop()
				w.logger.Info("Blob purge worker stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the purge worker and waits for a running pass to finish.
func (w *PurgeWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.done
	}
}

// RunOnce runs a single purge pass.
func (w *PurgeWorker) RunOnce(ctx context.Context) (PurgeResult, error) {
	w.logger.Debug("Purging expired blob reservations...")
	start := time.Now()

	now := w.now()
	result, err := PurgeBlobs(ctx, w.store, w.blobs, now)
	w.metrics.RecordBackgroundTask("blob_purge", time.Since(start), err == nil)
	if err != nil {
		w.logger.WithError(err).Error("Blob purge failed")
		return result, err
	}

	for _, l := range w.lookups {
		if n := l.PurgeExpired(now); n > 0 {
			w.logger.WithFields(logrus.Fields{
				"store":   l.Name(),
				"expired": n,
			}).Debug("Dropped expired lookup values")
			result.Lookups += n
		}
	}

	w.logger.WithFields(logrus.Fields{
		"reservations": result.Reservations,
		"blobs":        result.Blobs,
		"lookups":      result.Lookups,
		"duration":     time.Since(start),
	}).Debug("Blob purge completed")
	return result, nil
}
