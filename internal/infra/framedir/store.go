// Package framedir serves the decoded frames of one video straight
// from a directory. Files are ordered naturally (frame_2 before
// frame_10), so stores built from numbered filenames keep playback
// order regardless of zero padding.
package framedir

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fvbommel/sortorder"

	"github.com/clipvec/clipvec-extraction-service/internal/vision"
)

var frameExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Store is a read-only view of a frame directory. The listing is taken
// once at Open; frames themselves are decoded on every Read, matching
// the pipeline's no-cache contract.
type Store struct {
	dir   string
	files []string
}

// Open lists the frame files under dir and fixes their order. Non-image
// files are ignored.
func Open(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing frame dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, e.Name())
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return sortorder.NaturalLess(files[i], files[j])
	})

	return &Store{dir: dir, files: files}, nil
}

// Count returns the number of frames in the store.
func (s *Store) Count() int { return len(s.files) }

// Read decodes frame i. Failures wrap vision.ErrFrameRead.
func (s *Store) Read(i int) (image.Image, error) {
	if i < 0 || i >= len(s.files) {
		return nil, fmt.Errorf("%w: frame %d out of range, store holds %d", vision.ErrFrameRead, i, len(s.files))
	}

	path := filepath.Join(s.dir, s.files[i])
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", vision.ErrFrameRead, path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", vision.ErrFrameRead, path, err)
	}

	return img, nil
}
