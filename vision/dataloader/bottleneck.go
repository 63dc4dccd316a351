package dataloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tsawler/go-retrain/vision/dataset"
	"github.com/tsawler/go-retrain/vision/features"
)

// ErrMissingImage is matched by errors.Is for any MissingImageError
var ErrMissingImage = errors.New("image file does not exist")

// MissingImageError reports an image listed in the dataset that is no
// longer on disk.
type MissingImageError struct {
	Path string
}

func (e *MissingImageError) Error() string {
	return fmt.Sprintf("image file does not exist: %s", e.Path)
}

func (e *MissingImageError) Unwrap() error { return ErrMissingImage }

// CorruptBottleneckError reports a cache file that cannot be used
type CorruptBottleneckError struct {
	Path string
	Err  error
}

func (e *CorruptBottleneckError) Error() string {
	return fmt.Sprintf("corrupt bottleneck %s: %v", e.Path, e.Err)
}

func (e *CorruptBottleneckError) Unwrap() error { return e.Err }

// MissingImagePolicy decides what happens when an image vanished between
// partitioning and feature extraction.
type MissingImagePolicy int

const (
	AbortOnMissing MissingImagePolicy = iota
	SkipMissing
)

func (p MissingImagePolicy) String() string {
	switch p {
	case AbortOnMissing:
		return "abort"
	case SkipMissing:
		return "skip"
	default:
		return fmt.Sprintf("MissingImagePolicy(%d)", int(p))
	}
}

// ParseMissingImagePolicy accepts "abort" or "skip"
func ParseMissingImagePolicy(s string) (MissingImagePolicy, error) {
	switch s {
	case "abort":
		return AbortOnMissing, nil
	case "skip":
		return SkipMissing, nil
	default:
		return 0, fmt.Errorf("unknown missing image policy %q", s)
	}
}

// BottleneckConfig holds configuration for a BottleneckCache
type BottleneckConfig struct {
	ImageDir      string
	CacheDir      string
	MemoryItems   int // in-memory LRU size, 0 disables it; shared per cache root
	MissingImages MissingImagePolicy
	Logger        *slog.Logger
}

// BottleneckCache computes bottleneck vectors at most once per image and
// persists them as text files. Concurrent callers for the same uncached
// image may both compute it; writes are atomic renames so readers never see
// a partial file.
type BottleneckCache struct {
	ds        *dataset.Dataset
	extractor features.Extractor
	config    BottleneckConfig
	root      string
	memory    *CacheManager
	logger    *slog.Logger

	computed  atomic.Int64
	diskHits  atomic.Int64
	recovered atomic.Int64
}

// NewBottleneckCache creates a cache rooted at CacheDir/<extractor version>
func NewBottleneckCache(ds *dataset.Dataset, extractor features.Extractor, config BottleneckConfig) (*BottleneckCache, error) {
	if config.CacheDir == "" {
		return nil, fmt.Errorf("bottleneck cache directory is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	root := config.CacheDir
	if v := extractor.Version(); v != "" {
		root = filepath.Join(root, v)
	}

	bc := &BottleneckCache{
		ds:        ds,
		extractor: extractor,
		config:    config,
		root:      root,
		logger:    logger,
	}
	if config.MemoryItems > 0 {
		bc.memory = GetGlobalSharedCache().GetOrCreateCache(root, config.MemoryItems)
	}
	return bc, nil
}

// Root returns the directory holding this extractor's cache files
func (bc *BottleneckCache) Root() string {
	return bc.root
}

// Policy returns the configured missing image policy
func (bc *BottleneckCache) Policy() MissingImagePolicy {
	return bc.config.MissingImages
}

// Path resolves the cache file of an image
func (bc *BottleneckCache) Path(label string, index int, split dataset.Split) (string, error) {
	return bc.ds.BottleneckPath(label, index, bc.root, split)
}

// Features implements FeatureSource
func (bc *BottleneckCache) Features(ctx context.Context, label string, index int, split dataset.Split) ([]float32, error) {
	return bc.GetOrCreate(ctx, label, index, split)
}

// GetOrCreate returns the bottleneck of an image, computing and persisting
// it first when no cache file exists. The returned values are always the
// ones parsed from the file.
func (bc *BottleneckCache) GetOrCreate(ctx context.Context, label string, index int, split dataset.Split) ([]float32, error) {
	path, err := bc.Path(label, index, split)
	if err != nil {
		return nil, err
	}
	if bc.memory != nil {
		if values, ok := bc.memory.Get(path); ok {
			return values, nil
		}
	}

	values, err := bc.load(ctx, label, index, split, path)
	if err != nil {
		return nil, err
	}
	if bc.memory != nil {
		bc.memory.Put(path, values)
	}
	return values, nil
}

func (bc *BottleneckCache) load(ctx context.Context, label string, index int, split dataset.Split, path string) ([]float32, error) {
	created, err := bc.ensure(ctx, label, index, split, path)
	if err != nil {
		return nil, err
	}
	values, err := bc.read(path)
	if err == nil {
		if !created {
			bc.diskHits.Add(1)
		}
		return values, nil
	}

	var corrupt *CorruptBottleneckError
	if !errors.As(err, &corrupt) {
		return nil, err
	}
	bc.logger.Warn("recomputing corrupt bottleneck", "path", path, "error", corrupt.Err)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove corrupt bottleneck: %w", err)
	}
	bc.recovered.Add(1)

	if _, err := bc.ensure(ctx, label, index, split, path); err != nil {
		return nil, err
	}
	values, err = bc.read(path)
	if err != nil {
		return nil, fmt.Errorf("bottleneck unreadable after recompute: %w", err)
	}
	return values, nil
}

// ensure computes and writes the cache file when it does not exist. It
// reports whether it created the file.
func (bc *BottleneckCache) ensure(ctx context.Context, label string, index int, split dataset.Split, path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to stat bottleneck: %w", err)
	}

	imagePath, err := bc.ds.ImagePath(label, index, bc.config.ImageDir, split)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(imagePath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, &MissingImageError{Path: imagePath}
	} else if err != nil {
		return false, fmt.Errorf("failed to read image: %w", err)
	}

	values, err := bc.extractor.ExtractEncoded(ctx, data)
	if err != nil {
		return false, fmt.Errorf("failed to extract bottleneck for %s: %w", imagePath, err)
	}
	if len(values) != bc.extractor.Dim() {
		return false, &features.DimensionError{Want: bc.extractor.Dim(), Got: len(values)}
	}

	if err := writeAtomic(path, EncodeBottleneck(values)); err != nil {
		return false, err
	}
	bc.computed.Add(1)
	bc.logger.Debug("created bottleneck", "path", path)
	return true, nil
}

func (bc *BottleneckCache) read(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bottleneck: %w", err)
	}
	values, err := DecodeBottleneck(data)
	if err != nil {
		return nil, &CorruptBottleneckError{Path: path, Err: err}
	}
	if len(values) != bc.extractor.Dim() {
		return nil, &CorruptBottleneckError{
			Path: path,
			Err:  &features.DimensionError{Want: bc.extractor.Dim(), Got: len(values)},
		}
	}
	return values, nil
}

// writeAtomic writes data next to path and renames it into place
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create bottleneck directory: %w", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write bottleneck: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move bottleneck into place: %w", err)
	}
	return nil
}

// BottleneckStats summarizes cache activity
type BottleneckStats struct {
	Computed  int64
	DiskHits  int64
	Recovered int64
	Memory    *CacheStats
}

// Stats returns cache statistics
func (bc *BottleneckCache) Stats() BottleneckStats {
	stats := BottleneckStats{
		Computed:  bc.computed.Load(),
		DiskHits:  bc.diskHits.Load(),
		Recovered: bc.recovered.Load(),
	}
	if bc.memory != nil {
		m := bc.memory.Stats()
		stats.Memory = &m
	}
	return stats
}

func (s BottleneckStats) String() string {
	out := fmt.Sprintf("Bottlenecks: %d computed, %d disk hits, %d recovered", s.Computed, s.DiskHits, s.Recovered)
	if s.Memory != nil {
		out += "; " + s.Memory.String()
	}
	return out
}
