package native

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
)

const manifestFile = "manifest.json"

// manifest is the commit point of a native index: a generation is durable
// once the manifest naming it has been renamed into place.
type manifest struct {
	Generation  uint64          `json:"generation"`
	NextSegment uint64          `json:"next_segment"`
	Segments    []manifestEntry `json:"segments"`
	CommittedAt time.Time       `json:"committed_at"`
}

type manifestEntry struct {
	Name string `json:"name"`
	Docs uint32 `json:"docs"`
	// Deleted is the roaring-serialised tombstone bitmap; empty when no
	// document of the segment has been deleted.
	Deleted []byte `json:"deleted,omitempty"`
}

func loadManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return &manifest{NextSegment: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(dir string, m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	path := filepath.Join(dir, manifestFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming manifest: %w", err)
	}
	return nil
}

func encodeTombstones(bm *roaring.Bitmap) ([]byte, error) {
	if bm == nil || bm.IsEmpty() {
		return nil, nil
	}
	return bm.MarshalBinary()
}

func decodeTombstones(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding tombstones: %w", err)
	}
	return bm, nil
}
