package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrMissingMask is returned when an image has no same-named file in the mask directory.
var ErrMissingMask = errors.New("dataset: missing mask")

// Pair locates one sample on disk.
type Pair struct {
	Key   string
	Image string
	Mask  string
}

// DiscoverPairs lists every regular file directly under imageDir, sorted by
// name, and pairs each with the file of the same name under maskDir. Files
// that turn out not to be images fail later, when they are decoded.
func DiscoverPairs(imageDir, maskDir string) ([]Pair, error) {
	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, errors.Wrap(err, "discover images")
	}
	pairs := make([]Pair, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		mask := filepath.Join(maskDir, e.Name())
		if _, err := os.Stat(mask); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrapf(ErrMissingMask, "%s has no mask at %s", e.Name(), mask)
			}
			return nil, errors.Wrapf(err, "stat mask %s", mask)
		}
		pairs = append(pairs, Pair{
			Key:   strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Image: filepath.Join(imageDir, e.Name()),
			Mask:  mask,
		})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Image < pairs[j].Image })
	return pairs, nil
}
