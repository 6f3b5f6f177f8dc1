// Package store holds the persistent identity database: one embedding plus
// metadata per enrolled person, saved as a single gob file with one backup
// generation and automatic corruption recovery.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is safe for concurrent use. Writes are serialized; Persist never runs
// concurrently with a mutation on the same store.
type Store struct {
	mu          sync.RWMutex
	path        string
	autoPersist bool
	logger      *slog.Logger

	identities  map[string]*Identity
	dimension   int // 0 until the first enrollment pins it
	createdAt   time.Time
	lastUpdated time.Time
}

// Option configures a Store during Open.
type Option func(*Store)

// WithAutoPersist controls whether every mutation is written through to disk
// synchronously. Enabled by default.
func WithAutoPersist(on bool) Option {
	return func(s *Store) { s.autoPersist = on }
}

// WithLogger sets the logger used for recovery warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// storeFile is the on-disk shape of the primary file.
type storeFile struct {
	Identities  map[string]*Identity
	Dimension   int
	CreatedAt   time.Time
	LastUpdated time.Time
}

// Open loads the store at path, creating directory and file on first use.
// A corrupt primary falls back to the backup generation; a corrupt backup
// falls back to a fresh empty store. Recoveries are logged, not returned as
// errors, so startup never hard-fails on recoverable corruption.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		autoPersist: true,
		logger:      slog.Default(),
		identities:  make(map[string]*Identity),
		createdAt:   time.Now(),
		lastUpdated: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating store directory: %v", ErrStorage, err)
		}
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// backupPath returns the single-generation backup location.
func (s *Store) backupPath() string {
	return s.path + ".backup"
}

func (s *Store) load() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		// Fresh store: persist the empty structure immediately so the file
		// exists for the next startup.
		return s.persistLocked()
	}

	if err := s.loadFrom(s.path); err == nil {
		return nil
	} else {
		s.logger.Warn("primary store file unreadable, trying backup",
			"path", s.path, "error", err)
	}

	if err := s.loadFrom(s.backupPath()); err == nil {
		s.logger.Warn("store restored from backup", "path", s.backupPath())
		return nil
	} else {
		s.logger.Warn("backup unreadable, reinitializing empty store",
			"path", s.backupPath(), "error", err)
	}

	s.identities = make(map[string]*Identity)
	s.dimension = 0
	s.createdAt = time.Now()
	s.lastUpdated = time.Now()
	return s.persistLocked()
}

// loadFrom decodes and validates one candidate file. Structural invariant
// violations count as corruption so the recovery ladder keeps going.
func (s *Store) loadFrom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var file storeFile
	if err := gob.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if file.Identities == nil {
		return fmt.Errorf("decoding %s: missing identity map", path)
	}
	for id, ident := range file.Identities {
		if ident == nil || ident.ID != id {
			return fmt.Errorf("decoding %s: inconsistent identity %q", path, id)
		}
		if file.Dimension > 0 && len(ident.Embedding) != file.Dimension {
			return fmt.Errorf("decoding %s: identity %q has dimension %d, want %d",
				path, id, len(ident.Embedding), file.Dimension)
		}
	}

	s.identities = file.Identities
	s.dimension = file.Dimension
	s.createdAt = file.CreatedAt
	s.lastUpdated = file.LastUpdated
	return nil
}

// Add enrolls a new identity. The first-ever add pins the store dimension.
// The embedding is renormalized before the write. sampleCount records how
// many samples the embedding was averaged from and weights future updates;
// values below 1 are treated as 1.
func (s *Store) Add(id, displayName string, embedding []float32, sampleCount int, attrs map[string]string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, id)
	}
	normalized, err := s.checkEmbedding(embedding)
	if err != nil {
		return nil, err
	}
	if s.dimension == 0 {
		s.dimension = len(normalized)
	}
	if sampleCount < 1 {
		sampleCount = 1
	}

	now := time.Now()
	ident := &Identity{
		ID:          id,
		DisplayName: displayName,
		Embedding:   normalized,
		EnrolledAt:  now,
		SampleCount: sampleCount,
		Attributes:  attrs,
	}
	s.identities[id] = ident
	s.lastUpdated = now

	if err := s.maybePersist(); err != nil {
		return nil, err
	}
	return ident.clone(), nil
}

// Update mutates an existing identity. With Average the new embedding is
// folded into the running mean weighted by SampleCount and renormalized;
// otherwise the embedding is replaced and SampleCount resets to 1.
func (s *Store) Update(id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	if u.DisplayName != "" {
		ident.DisplayName = u.DisplayName
	}

	if u.Embedding != nil {
		normalized, err := s.checkEmbedding(u.Embedding)
		if err != nil {
			return err
		}
		if u.Average {
			n := float32(ident.SampleCount)
			merged := make([]float32, len(normalized))
			for i := range merged {
				merged[i] = (ident.Embedding[i]*n + normalized[i]) / (n + 1)
			}
			if merged, err = normalize(merged); err != nil {
				return err
			}
			ident.Embedding = merged
			ident.SampleCount++
		} else {
			ident.Embedding = normalized
			ident.SampleCount = 1
		}
	}

	s.lastUpdated = time.Now()
	return s.maybePersist()
}

// RecordVerification bumps the verification counters after a successful match.
func (s *Store) RecordVerification(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	now := time.Now()
	ident.LastVerified = &now
	ident.VerificationCount++
	s.lastUpdated = now
	return s.maybePersist()
}

// Remove deletes an identity. Removing an absent id is not an error and
// returns false.
func (s *Store) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.identities[id]; !ok {
		return false, nil
	}
	delete(s.identities, id)
	s.lastUpdated = time.Now()
	if err := s.maybePersist(); err != nil {
		return true, err
	}
	return true, nil
}

// Get returns a copy of the identity, or nil if absent.
func (s *Store) Get(id string) *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[id]
	if !ok {
		return nil
	}
	return ident.clone()
}

// Identities lists all enrolled identities without their embeddings.
func (s *Store) Identities() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.identities))
	for _, ident := range s.identities {
		info := Info{
			ID:                ident.ID,
			DisplayName:       ident.DisplayName,
			EnrolledAt:        ident.EnrolledAt,
			SampleCount:       ident.SampleCount,
			VerificationCount: ident.VerificationCount,
		}
		if ident.LastVerified != nil {
			t := *ident.LastVerified
			info.LastVerified = &t
		}
		infos = append(infos, info)
	}
	return infos
}

// Embeddings returns a point-in-time copy of every embedding, keyed by id.
// This is the snapshot the matcher scans.
func (s *Store) Embeddings() map[string][]float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]float32, len(s.identities))
	for id, ident := range s.identities {
		out[id] = append([]float32(nil), ident.Embedding...)
	}
	return out
}

// Count returns the number of enrolled identities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// Dimension returns the pinned embedding dimension, 0 if no enrollment yet.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Stats reports store metadata including the on-disk size.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Count:       len(s.identities),
		Dimension:   s.dimension,
		CreatedAt:   s.createdAt,
		LastUpdated: s.lastUpdated,
	}
	if fi, err := os.Stat(s.path); err == nil {
		st.SizeBytes = fi.Size()
	}
	return st
}

// Persist writes the full store to disk. The previous primary is copied to
// the backup location first, then the new content is written to a temp file,
// fsynced and renamed over the primary so a crash never leaves both the
// primary and the backup invalid.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) maybePersist() error {
	if !s.autoPersist {
		return nil
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			return fmt.Errorf("%w: writing backup: %v", ErrStorage, err)
		}
	}

	var buf bytes.Buffer
	file := storeFile{
		Identities:  s.identities,
		Dimension:   s.dimension,
		CreatedAt:   s.createdAt,
		LastUpdated: s.lastUpdated,
	}
	if err := gob.NewEncoder(&buf).Encode(&file); err != nil {
		return fmt.Errorf("%w: encoding store: %v", ErrStorage, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: writing store: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: syncing store: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: closing store: %v", ErrStorage, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replacing store: %v", ErrStorage, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// checkEmbedding validates dimension against the pinned store dimension and
// returns a normalized copy.
func (s *Store) checkEmbedding(embedding []float32) ([]float32, error) {
	if len(embedding) == 0 {
		return nil, ErrInvalidEmbedding
	}
	if s.dimension > 0 && len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, s.dimension, len(embedding))
	}
	return normalize(embedding)
}

// normalize returns a unit-length copy of v.
func normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return nil, fmt.Errorf("%w: zero norm", ErrInvalidEmbedding)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, nil
}
