package dataset

import "path/filepath"

// BottleneckExt is appended to the image filename to name its cache file
const BottleneckExt = ".txt"

// ImagePath resolves the index-th image of label in split to a path under
// imageDir. index is taken modulo the split size, so any integer is valid.
func (d *Dataset) ImagePath(label string, index int, imageDir string, split Split) (string, error) {
	entry, ok := d.Entry(label)
	if !ok {
		return "", &LookupError{Label: label, Split: split, Err: ErrUnknownLabel}
	}
	if !split.Valid() {
		return "", &LookupError{Label: label, Split: split, Err: ErrUnknownSplit}
	}
	files, err := entry.Files(split)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", &LookupError{Label: label, Split: split, Err: ErrEmptySplit}
	}

	n := len(files)
	i := ((index % n) + n) % n
	return filepath.Join(imageDir, entry.Dir, files[i]), nil
}

// BottleneckPath resolves the cache file for the same image ImagePath would
// return, rooted at cacheDir.
func (d *Dataset) BottleneckPath(label string, index int, cacheDir string, split Split) (string, error) {
	p, err := d.ImagePath(label, index, cacheDir, split)
	if err != nil {
		return "", err
	}
	return p + BottleneckExt, nil
}
