package dataset

import (
	"errors"
	"fmt"
)

var (
	ErrImageDirNotFound = errors.New("image directory not found")
	ErrDuplicateLabel   = errors.New("duplicate label")
	ErrUnknownLabel     = errors.New("label does not exist")
	ErrUnknownSplit     = errors.New("split does not exist")
	ErrEmptySplit       = errors.New("split has no images")
)

// ConfigError reports a problem with the dataset layout on disk. It is
// always fatal for a training run.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Path)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LookupError is returned by the path resolvers when a (label, split) pair
// cannot be resolved to a file.
type LookupError struct {
	Label string
	Split Split
	Err   error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%v: label %q, split %s", e.Err, e.Label, e.Split)
}

func (e *LookupError) Unwrap() error { return e.Err }
