package dataloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tsawler/go-retrain/vision/dataset"
)

const progressEvery = 100

type warmJob struct {
	label string
	split dataset.Split
	index int
}

// CacheAll makes sure every image of every split has a cache file. It
// returns the number of bottlenecks available afterwards. With workers > 1
// the images are processed by a pool; every job is a distinct file.
func (bc *BottleneckCache) CacheAll(ctx context.Context, workers int) (int, error) {
	if err := os.MkdirAll(bc.root, 0755); err != nil {
		return 0, fmt.Errorf("failed to create bottleneck directory: %w", err)
	}

	var jobs []warmJob
	for i := 0; i < bc.ds.Len(); i++ {
		entry := bc.ds.EntryAt(i)
		for _, split := range dataset.Splits {
			files, err := entry.Files(split)
			if err != nil {
				return 0, err
			}
			for index := range files {
				jobs = append(jobs, warmJob{label: entry.Name, split: split, index: index})
			}
		}
	}

	var done, skipped atomic.Int64
	run := func(j warmJob) error {
		_, err := bc.GetOrCreate(ctx, j.label, j.index, j.split)
		if err != nil {
			if errors.Is(err, ErrMissingImage) && bc.config.MissingImages == SkipMissing {
				bc.logger.Warn("skipping missing image", "label", j.label, "split", j.split, "error", err)
				skipped.Add(1)
				return nil
			}
			return err
		}
		if n := done.Add(1); n%progressEvery == 0 {
			bc.logger.Info(fmt.Sprintf("%d bottleneck files created.", n))
		}
		return nil
	}

	if workers <= 1 {
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				return int(done.Load()), err
			}
			if err := run(j); err != nil {
				return int(done.Load()), err
			}
		}
		bc.logSkipped(skipped.Load())
		return int(done.Load()), nil
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan warmJob)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				if err := run(j); err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}

submit:
	for _, j := range jobs {
		select {
		case queue <- j:
		case <-ctx.Done():
			break submit
		}
	}
	close(queue)
	wg.Wait()

	if firstErr != nil {
		return int(done.Load()), firstErr
	}
	if err := parent.Err(); err != nil {
		return int(done.Load()), err
	}
	bc.logSkipped(skipped.Load())
	return int(done.Load()), nil
}

func (bc *BottleneckCache) logSkipped(n int64) {
	if n > 0 {
		bc.logger.Warn("images missing from the cache", "count", n)
	}
}
