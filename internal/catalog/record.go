package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchserver/internal/schema"
)

const (
	recordFile = "catalog.json"
	lockFile   = ".lock"
)

// record is the catalog's durable description of one index. The engine's
// own files remain authoritative for the committed generation; Generation
// here is the last one the catalog observed.
type record struct {
	Name        string        `json:"name"`
	Schema      schema.Schema `json:"schema"`
	Options     IndexOptions  `json:"options"`
	Generation  uint64        `json:"generation"`
	CreatedAt   time.Time     `json:"created_at"`
	CommittedAt time.Time     `json:"committed_at,omitzero"`
}

func readRecord(dir string) (record, error) {
	var rec record
	data, err := os.ReadFile(filepath.Join(dir, recordFile))
	if err != nil {
		return rec, fmt.Errorf("reading catalog record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parsing catalog record: %w", err)
	}
	return rec, nil
}

// writeRecord replaces the record atomically via a synced temp file.
func writeRecord(dir string, rec record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog record: %w", err)
	}
	path := filepath.Join(dir, recordFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating catalog record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing catalog record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing catalog record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing catalog record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing catalog record: %w", err)
	}
	return nil
}
