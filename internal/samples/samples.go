package samples

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultFormat is the extension enumerated when none is given.
const DefaultFormat = "jpg"

var (
	// ErrNotFound means the source path is neither a file nor a directory.
	ErrNotFound = errors.New("image source not found")
	// ErrEmptyResult means a directory held no matching images. It is returned
	// together with a valid (empty) result and callers may treat it as a warning.
	ErrEmptyResult = errors.New("no matching images")
	// ErrDuplicateImageID means two files map to the same image id.
	ErrDuplicateImageID = errors.New("duplicate image id")
)

// Sample is one image to score, identified by its file name stem.
type Sample struct {
	ImageID string `json:"image_id"`
	// Format is the extension the file was found with, without the dot.
	Format string `json:"-"`
}

// FileName returns the file name the sample was enumerated from. fallback is
// used when the sample carries no format.
func (s Sample) FileName(fallback string) string {
	format := s.Format
	if format == "" {
		format = fallback
	}
	return s.ImageID + "." + format
}

// ImageID returns the file name without directory and final extension.
func ImageID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func extension(name string) string {
	return strings.TrimPrefix(filepath.Ext(name), ".")
}

// Enumerate resolves path to the image directory and its samples. A file
// yields a single sample; a directory yields one sample per direct child whose
// extension matches one of formats exactly.
func Enumerate(path string, formats ...string) (string, []Sample, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if !info.IsDir() {
		dir, sample := FromFile(path)
		return dir, sample, nil
	}

	list, err := FromDir(path, formats...)
	return path, list, err
}

// FromFile returns the containing directory and the single sample for path.
func FromFile(path string) (string, []Sample) {
	return filepath.Dir(path), []Sample{{ImageID: ImageID(path), Format: extension(path)}}
}

// FromDir lists files directly inside dir whose extension is one of formats
// (case-sensitive, leading dots ignored). Hidden files and subdirectories are
// skipped. Order follows the directory listing.
func FromDir(dir string, formats ...string) ([]Sample, error) {
	wanted := normalizeFormats(formats)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, dir, err)
	}

	var (
		list = []Sample{}
		seen = make(map[string]string)
		dups []string
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := extension(name)
		if !wanted[ext] {
			continue
		}

		id := ImageID(name)
		if prev, ok := seen[id]; ok {
			dups = append(dups, fmt.Sprintf("%s (%s, %s)", id, prev, name))
			continue
		}
		seen[id] = name
		list = append(list, Sample{ImageID: id, Format: ext})
	}

	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateImageID, strings.Join(dups, "; "))
	}
	if len(list) == 0 {
		return list, fmt.Errorf("%w in %s", ErrEmptyResult, dir)
	}
	return list, nil
}

// ParseFormats splits a comma separated extension list such as "jpg,png".
func ParseFormats(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeFormats(formats []string) map[string]bool {
	wanted := make(map[string]bool, len(formats))
	for _, f := range formats {
		f = strings.TrimPrefix(strings.TrimSpace(f), ".")
		if f != "" {
			wanted[f] = true
		}
	}
	if len(wanted) == 0 {
		wanted[DefaultFormat] = true
	}
	return wanted
}
