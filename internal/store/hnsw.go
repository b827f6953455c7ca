package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	qerrors "github.com/astmcp/astmcp/internal/errors"
)

// HNSWIndex implements VectorIndex using the coder/hnsw pure Go graph.
// Cosine distance over L2-normalised vectors, so score = 1 - distance/2.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	// ID mapping (string node id <-> internal uint64 key)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

var _ VectorIndex = (*HNSWIndex)(nil)

// hnswMetadata stores ID mappings and config for persistence.
type hnswMetadata struct {
	IDMap   map[string]uint64
	NextKey uint64
	Config  VectorIndexConfig
}

// NewHNSWIndex creates an empty HNSW index.
func NewHNSWIndex(cfg VectorIndexConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}
	if cfg.EfConstruction == 0 {
		cfg.EfConstruction = 128
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// OpenHNSWIndex loads a persisted index from disk. The dimension is
// taken from the index metadata when the config leaves it unset.
// Corruption is fatal and reported as such.
func OpenHNSWIndex(path string, cfg VectorIndexConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		dims, err := ReadIndexDimensions(path)
		if err != nil {
			return nil, qerrors.Newf(qerrors.ErrCodeIndexCorrupt, err, "read dimensions for %s", path)
		}
		if dims <= 0 {
			return nil, qerrors.Newf(qerrors.ErrCodeIndexOpen, nil,
				"index %s has no recorded dimensions", path)
		}
		cfg.Dimensions = dims
	}

	idx, err := NewHNSWIndex(cfg)
	if err != nil {
		return nil, err
	}
	if err := idx.load(path); err != nil {
		return nil, err
	}
	return idx, nil
}

// Add inserts vectors with their node ids. Existing ids are replaced via
// lazy deletion: the old graph node is orphaned rather than removed,
// avoiding graph repair on every update.
func (s *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}
	if s.config.MaxElements > 0 && len(s.idMap)+len(ids) > s.config.MaxElements {
		return fmt.Errorf("index full: %d elements exceeds max %d",
			len(s.idMap)+len(ids), s.config.MaxElements)
	}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		if existingKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, id)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
	}

	return nil
}

// Search returns up to k matches ordered by descending score in [0,1].
// ef is the candidate-list width; it is floored at k. Overriding ef
// mutates the shared graph parameter, so non-default widths take the
// write lock — readers with the configured default stay concurrent.
func (s *HNSWIndex) Search(ctx context.Context, query []float32, k, ef int) ([]*VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []*VectorMatch{}, nil
	}
	if ef < k {
		ef = k
	}

	s.mu.RLock()
	exclusive := false
	if ef != s.graph.EfSearch {
		s.mu.RUnlock()
		s.mu.Lock()
		exclusive = true
	}
	unlock := func() {
		if exclusive {
			s.mu.Unlock()
		} else {
			s.mu.RUnlock()
		}
	}
	defer unlock()

	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(query) != s.config.Dimensions {
		return nil, qerrors.Newf(qerrors.ErrCodeDimensionMismatch,
			ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(query)},
			"query vector has %d dimensions, index expects %d", len(query), s.config.Dimensions)
	}
	if s.graph.Len() == 0 {
		return []*VectorMatch{}, nil
	}

	if exclusive {
		s.graph.EfSearch = ef
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch inside the graph: lazy-deleted orphans may occupy
	// result slots, so ask for extra and trim after mapping.
	fetch := k
	if orphans := s.graph.Len() - len(s.idMap); orphans > 0 {
		fetch += orphans
	}

	nodes := s.graph.Search(normalized, fetch)

	results := make([]*VectorMatch, 0, k)
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue // lazy-deleted orphan
		}
		distance := s.graph.Distance(normalized, node.Value)
		results = append(results, &VectorMatch{
			NodeID: id,
			Score:  distanceToScore(distance),
		})
		if len(results) == k {
			break
		}
	}

	return results, nil
}

// Delete removes vectors by node id using lazy deletion.
func (s *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
	}
	return nil
}

// Contains reports whether a node id is indexed.
func (s *HNSWIndex) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	_, exists := s.idMap[id]
	return exists
}

// Stats returns the active vector count and dimension.
func (s *HNSWIndex) Stats() VectorIndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return VectorIndexStats{}
	}
	return VectorIndexStats{
		Count:     len(s.idMap),
		Dimension: s.config.Dimensions,
	}
}

// Save persists the index to disk using temp file + rename.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveMetadata(path + ".meta")
}

func (s *HNSWIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}

	meta := hnswMetadata{
		IDMap:   s.idMap,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// load reads the persisted graph and id mappings.
func (s *HNSWIndex) load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadMetadata(path + ".meta"); err != nil {
		return qerrors.Newf(qerrors.ErrCodeIndexCorrupt, err, "load index metadata for %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return qerrors.Newf(qerrors.ErrCodeIndexOpen, err, "open index file %s", path)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return qerrors.Newf(qerrors.ErrCodeIndexCorrupt, err, "import graph from %s", path)
	}
	return nil
}

func (s *HNSWIndex) loadMetadata(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	s.idMap = meta.IDMap
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.graph.M = meta.Config.M
	s.graph.EfSearch = meta.Config.EfSearch

	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close releases resources. Idempotent.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// ReadIndexDimensions reads the dimension from an existing index's
// metadata. Returns 0 if the metadata file doesn't exist (fresh start).
func ReadIndexDimensions(indexPath string) (int, error) {
	file, err := os.Open(indexPath + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open index metadata: %w", err)
	}
	defer file.Close()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return 0, fmt.Errorf("decode index metadata: %w", err)
	}
	return meta.Config.Dimensions, nil
}

// normalizeInPlace scales a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// distanceToScore converts cosine distance (0..2) to similarity (0..1).
func distanceToScore(distance float32) float32 {
	score := 1.0 - distance/2.0
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
