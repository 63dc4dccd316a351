package dataset

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// NoHashMarker separates the grouping prefix of a filename from its variant
// suffix. Files sharing the prefix always land in the same split.
const NoHashMarker = "_nohash_"

// hashBuckets is the modulus applied to the filename digest before it is
// scaled to a percentage.
const hashBuckets = 65536

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".JPG":  true,
	".JPEG": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Split identifies one of the three dataset partitions
type Split int

const (
	Training Split = iota
	Testing
	Validation
)

// Splits lists every partition in the order the cache is walked
var Splits = []Split{Training, Testing, Validation}

func (s Split) String() string {
	switch s {
	case Training:
		return "training"
	case Testing:
		return "testing"
	case Validation:
		return "validation"
	default:
		return fmt.Sprintf("Split(%d)", int(s))
	}
}

// Valid reports whether s names a known partition
func (s Split) Valid() bool {
	return s >= Training && s <= Validation
}

// ParseSplit converts a split name back to its Split value
func ParseSplit(name string) (Split, error) {
	for _, s := range Splits {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSplit, name)
}

// LabelEntry holds the partitioned image filenames of one label subfolder.
type LabelEntry struct {
	Name       string // normalized label name
	Dir        string // original subfolder name, used to build paths
	Training   []string
	Testing    []string
	Validation []string
}

// Files returns the base filenames assigned to split
func (e *LabelEntry) Files(split Split) ([]string, error) {
	switch split {
	case Training:
		return e.Training, nil
	case Testing:
		return e.Testing, nil
	case Validation:
		return e.Validation, nil
	default:
		return nil, &LookupError{Label: e.Name, Split: split, Err: ErrUnknownSplit}
	}
}

// Len returns the number of images across all splits
func (e *LabelEntry) Len() int {
	return len(e.Training) + len(e.Testing) + len(e.Validation)
}

func (e *LabelEntry) add(split Split, name string) {
	switch split {
	case Training:
		e.Training = append(e.Training, name)
	case Testing:
		e.Testing = append(e.Testing, name)
	case Validation:
		e.Validation = append(e.Validation, name)
	}
}

// Dataset is the ordered set of labels discovered for a run. The position of
// a label in Labels() is its one-hot index everywhere: in minibatches, in the
// trained layer and in the exported label file.
type Dataset struct {
	entries []*LabelEntry
	index   map[string]int
}

// New builds a Dataset from entries, keeping their order
func New(entries ...*LabelEntry) (*Dataset, error) {
	d := &Dataset{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		if _, exists := d.index[e.Name]; exists {
			return nil, &ConfigError{Path: e.Dir, Err: fmt.Errorf("%w %q", ErrDuplicateLabel, e.Name)}
		}
		d.index[e.Name] = len(d.entries)
		d.entries = append(d.entries, e)
	}
	return d, nil
}

// Len returns the number of labels
func (d *Dataset) Len() int {
	return len(d.entries)
}

// Labels returns the label names in index order
func (d *Dataset) Labels() []string {
	names := make([]string, len(d.entries))
	for i, e := range d.entries {
		names[i] = e.Name
	}
	return names
}

// Entry looks a label up by name
func (d *Dataset) Entry(label string) (*LabelEntry, bool) {
	i, ok := d.index[label]
	if !ok {
		return nil, false
	}
	return d.entries[i], true
}

// EntryAt returns the label at one-hot index i
func (d *Dataset) EntryAt(i int) *LabelEntry {
	return d.entries[i]
}

// Index returns the one-hot index of label, or -1 when it is unknown
func (d *Dataset) Index(label string) int {
	if i, ok := d.index[label]; ok {
		return i
	}
	return -1
}

// Total returns the number of images across every label and split
func (d *Dataset) Total() int {
	n := 0
	for _, e := range d.entries {
		n += e.Len()
	}
	return n
}

// String returns a summary of the partition sizes per label
func (d *Dataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Dataset: %d images, %d labels\n", d.Total(), d.Len()))
	for _, e := range d.entries {
		sb.WriteString(fmt.Sprintf("  %s: %d training, %d testing, %d validation\n",
			e.Name, len(e.Training), len(e.Testing), len(e.Validation)))
	}
	return sb.String()
}

// LabelName derives a label from a subfolder name: lower-cased, with runs of
// anything outside [a-z0-9] collapsed to a single space.
func LabelName(dir string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(dir), " ")
}

// HashKey strips the grouping suffix from a filename
func HashKey(name string) string {
	if i := strings.Index(name, NoHashMarker); i >= 0 {
		return name[:i]
	}
	return name
}

// PercentageHash maps a filename to a stable value in [0, 100)
func PercentageHash(name string) float64 {
	sum := sha1.Sum([]byte(HashKey(name)))
	// the digest taken as a big-endian integer mod 65536 is its last two bytes
	bucket := binary.BigEndian.Uint16(sum[len(sum)-2:])
	return float64(bucket) * 100.0 / hashBuckets
}

// AssignSplit decides which partition a filename belongs to. The decision
// depends only on the name, so adding files never moves existing ones.
func AssignSplit(name string, testingPct, validationPct int) Split {
	p := PercentageHash(name)
	switch {
	case p < float64(validationPct):
		return Validation
	case p < float64(testingPct+validationPct):
		return Testing
	default:
		return Training
	}
}

// CreateImageLists scans imageDir for one subfolder per label and partitions
// the JPEG files found in each into training, testing and validation lists.
func CreateImageLists(imageDir string, testingPct, validationPct int, logger *slog.Logger) (*Dataset, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	info, err := os.Stat(imageDir)
	if err != nil || !info.IsDir() {
		logger.Error("image directory not found", "dir", imageDir)
		return nil, &ConfigError{Path: imageDir, Err: ErrImageDirNotFound}
	}

	dirs, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", imageDir, err)
	}

	var entries []*LabelEntry
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		logger.Info("looking for images", "dir", dir.Name())

		files, err := listImages(filepath.Join(imageDir, dir.Name()))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			logger.Warn("no files found", "dir", dir.Name())
			continue
		}

		entry := &LabelEntry{Name: LabelName(dir.Name()), Dir: dir.Name()}
		for _, f := range files {
			entry.add(AssignSplit(f, testingPct, validationPct), f)
		}
		entries = append(entries, entry)
	}

	return New(entries...)
}

// listImages returns the sorted base names of the images directly inside dir
func listImages(dir string) ([]string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var files []string
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		if imageExtensions[filepath.Ext(item.Name())] {
			files = append(files, item.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}
