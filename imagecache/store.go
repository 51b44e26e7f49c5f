package imagecache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/isdmx/execbox/workspace"
)

const metadataVersion = 1

// Record is the cache's bookkeeping for one image.
type Record struct {
	Key        Key       `json:"key"`
	Ref        string    `json:"image"`
	Language   string    `json:"language,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

type metadataFile struct {
	Version int      `json:"version"`
	Images  []Record `json:"images"`
}

// MetadataStore persists cache records as a JSON document so they survive
// restarts. Writes go to a temporary file that is renamed into place.
type MetadataStore struct {
	path string
	fs   workspace.FileSystem
}

// NewMetadataStore returns a store at path. A nil fs uses the real filesystem.
func NewMetadataStore(path string, fs workspace.FileSystem) *MetadataStore {
	if fs == nil {
		fs = workspace.RealFileSystem{}
	}
	return &MetadataStore{path: path, fs: fs}
}

func (s *MetadataStore) Path() string {
	return s.path
}

// Load reads all records. A missing file yields no records.
func (s *MetadataStore) Load() ([]Record, error) {
	exists, err := s.fs.FileExists(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat cache metadata: %w", err)
	}
	if !exists {
		return nil, nil
	}

	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read cache metadata: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var file metadataFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode cache metadata %s: %w", s.path, err)
	}
	if file.Version != metadataVersion {
		return nil, fmt.Errorf("cache metadata %s: unsupported version %d", s.path, file.Version)
	}

	records := make([]Record, 0, len(file.Images))
	for _, rec := range file.Images {
		if rec.Key == "" || rec.Ref == "" {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save replaces the stored records.
func (s *MetadataStore) Save(records []Record) error {
	records = slices.Clone(records)
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(string(a.Key), string(b.Key)) })

	data, err := json.MarshalIndent(metadataFile{Version: metadataVersion, Images: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, workspace.DirPermission); err != nil {
			return fmt.Errorf("create cache metadata dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, workspace.FilePermission); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.RemoveAll(tmp)
		return fmt.Errorf("replace cache metadata: %w", err)
	}
	return nil
}
