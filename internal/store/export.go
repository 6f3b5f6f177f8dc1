package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"
)

const exportVersion = 1

// exportFile is the portable JSON serialization used for migration and
// inspection. It is not bit-compatible with the primary gob format.
type exportFile struct {
	Version    int        `json:"version"`
	ExportedAt time.Time  `json:"exported_at"`
	Dimension  int        `json:"dimension"`
	CreatedAt  time.Time  `json:"created_at"`
	Identities []Identity `json:"identities"`
}

// Export writes the full store to path as indented JSON.
func (s *Store) Export(path string) error {
	s.mu.RLock()
	file := exportFile{
		Version:    exportVersion,
		ExportedAt: time.Now(),
		Dimension:  s.dimension,
		CreatedAt:  s.createdAt,
		Identities: make([]Identity, 0, len(s.identities)),
	}
	for _, ident := range s.identities {
		file.Identities = append(file.Identities, *ident.clone())
	}
	s.mu.RUnlock()

	// Stable ordering keeps exports diffable.
	sort.Slice(file.Identities, func(i, j int) bool {
		return file.Identities[i].ID < file.Identities[j].ID
	})

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding export: %v", ErrStorage, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing export: %v", ErrStorage, err)
	}
	return nil
}

// Import fully replaces the in-memory store with the contents of a JSON
// export, then persists if auto-persist is enabled. Every imported embedding
// is validated against the export's dimension and renormalized.
func (s *Store) Import(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading import: %v", ErrStorage, err)
	}
	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: decoding import: %v", ErrStorage, err)
	}

	// Exports written before the dimension field may carry 0. Pin the
	// dimension from the first identity so later Adds cannot drift.
	dim := file.Dimension
	identities := make(map[string]*Identity, len(file.Identities))
	for i := range file.Identities {
		ident := file.Identities[i]
		if _, ok := identities[ident.ID]; ok {
			return fmt.Errorf("%w: duplicate id %q in import", ErrDuplicate, ident.ID)
		}
		if dim <= 0 {
			dim = len(ident.Embedding)
		}
		if len(ident.Embedding) != dim {
			return fmt.Errorf("%w: identity %q has dimension %d, want %d",
				ErrDimensionMismatch, ident.ID, len(ident.Embedding), dim)
		}
		normalized, err := normalize(ident.Embedding)
		if err != nil {
			return fmt.Errorf("identity %q: %w", ident.ID, err)
		}
		ident.Embedding = normalized
		if ident.SampleCount < 1 {
			ident.SampleCount = 1
		}
		identities[ident.ID] = &ident
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = identities
	s.dimension = dim
	if !file.CreatedAt.IsZero() {
		s.createdAt = file.CreatedAt
	}
	s.lastUpdated = time.Now()
	return s.maybePersist()
}
