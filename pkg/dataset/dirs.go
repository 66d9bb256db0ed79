package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidBaseName = errors.New("Invalid dataset name")

// DefaultMaxDirectorySuffix is the largest n that we'll try in "<base>_<n>" before
// falling back to a random suffix.
const DefaultMaxDirectorySuffix = 100

// ValidateBaseName returns an error if 'base' can't be used as a directory name
func ValidateBaseName(base string) error {
	if base == "" || base == "." || base == ".." || strings.ContainsAny(base, `/\`) || strings.ContainsRune(base, 0) {
		return fmt.Errorf("%w: '%v'", ErrInvalidBaseName, base)
	}
	return nil
}

// Return the directory name for suffix n. n = 0 is the bare base name.
func numberedName(base string, n int) string {
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%v_%v", base, n)
}

// FindFreeDirectory returns the first of root/base, root/base_1, ... root/base_<limit>
// that does not exist. If all of them exist, it returns root/base_<uuid>.
// The directory is not created.
func FindFreeDirectory(root, base string, limit int) (string, error) {
	if err := ValidateBaseName(base); err != nil {
		return "", err
	}
	for n := 0; n <= limit; n++ {
		candidate := filepath.Join(root, numberedName(base, n))
		_, err := os.Stat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
	}
	return filepath.Join(root, base+"_"+uuid.NewString()), nil
}

// AllocateDirectory finds a free directory name and creates it
func AllocateDirectory(root, base string, limit int) (string, error) {
	dir, err := FindFreeDirectory(root, base, limit)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("Failed to create dataset directory %v: %w", dir, err)
	}
	return dir, nil
}

// MostRecentDirectory returns the directory of the latest run with the given base name,
// or an empty string if there is none.
// Numbered directories are ordered by their number. Random-suffix directories only
// exist once every number has been used, so if there are any, the most recently
// modified of them is chosen.
func MostRecentDirectory(root, base string, limit int) (string, error) {
	if err := ValidateBaseName(base); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	bestNumber := -1
	type fallback struct {
		name    string
		modTime int64
	}
	var fallbacks []fallback

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name == base {
			bestNumber = max(bestNumber, 0)
			continue
		}
		suffix, ok := strings.CutPrefix(name, base+"_")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= 1 && n <= limit && suffix == strconv.Itoa(n) {
			bestNumber = max(bestNumber, n)
		} else if uuid.Validate(suffix) == nil {
			info, err := e.Info()
			if err != nil {
				continue
			}
			fallbacks = append(fallbacks, fallback{name, info.ModTime().UnixNano()})
		}
	}

	if len(fallbacks) != 0 {
		sort.Slice(fallbacks, func(i, j int) bool {
			return fallbacks[i].modTime > fallbacks[j].modTime
		})
		return filepath.Join(root, fallbacks[0].name), nil
	}
	if bestNumber >= 0 {
		return filepath.Join(root, numberedName(base, bestNumber)), nil
	}
	return "", nil
}
