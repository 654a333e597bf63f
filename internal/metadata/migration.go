package metadata

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

const migrationBatchSize = 10_000

// Copy transfers every key of src into dst, subspace by subspace, and
// returns the number of keys written. Keys already present in dst are
// overwritten. Both backends must store counters as encoded values, which
// holds for every embedded engine.
//
// Copy flow:
//  1. Iterate one subspace of src in key order
//  2. Accumulate sets into a batch of up to 10 000 keys
//  3. Write the batch to dst and start a new one
//  4. Write the final, possibly partial, batch
func Copy(ctx context.Context, src, dst store.Backend, logger *logrus.Logger) (int64, error) {
	if logger == nil {
		logger = logrus.New()
	}

	var total int64
	batch := store.NewBatch()
	pending := 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		if err := dst.Write(ctx, batch); err != nil {
			return fmt.Errorf("failed to write batch at key %d: %w", total, err)
		}
		batch = store.NewBatch()
		pending = 0
		return nil
	}

	for _, subspace := range store.Subspaces {
		err := src.Iterate(ctx, store.SubspaceParams(subspace), func(key, value []byte) (bool, error) {
			batch.Set(store.RawKey(append([]byte(nil), key...)), append([]byte(nil), value...))
			pending++
			total++

			if pending == migrationBatchSize {
				if err := flush(); err != nil {
					return false, err
				}
				logger.WithField("keys_copied", total).Info("Copy progress")
			}
			return true, nil
		})
		if err != nil {
			return total, fmt.Errorf("failed to copy subspace %q: %w", rune(subspace), err)
		}
	}

	if err := flush(); err != nil {
		return total, err
	}

	logger.WithField("keys_copied", total).Info("Copy complete")
	return total, nil
}
