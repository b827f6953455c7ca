// Package ingest loads annotation exports produced by the external AST
// parser into the annotation store and vector index. This is the only
// write path; the query engine never mutates the workspace.
package ingest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astmcp/astmcp/internal/embed"
	qerrors "github.com/astmcp/astmcp/internal/errors"
	"github.com/astmcp/astmcp/internal/store"
	"github.com/astmcp/astmcp/internal/workspace"
)

// Metadata keys recorded in the annotation store.
const (
	MetaKeyDimensions = "index_embedding_dimensions"
	MetaKeyModel      = "index_embedding_model"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 4 * 1024 * 1024

// Record is one line of an annotation export: an annotation plus an
// optional precomputed embedding.
type Record struct {
	store.Annotation
	Vector      []float32 `json:"vector,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Result summarises a completed load.
type Result struct {
	Annotations int
	Embedded    int
	Reused      int
	Skipped     int
	Duration    time.Duration
}

// Loader ingests annotation exports.
type Loader struct {
	embedder  embed.Embedder
	indexCfg  store.VectorIndexConfig
	batchSize int
	logger    *slog.Logger
}

// NewLoader creates a loader. The embedder is required: records without
// a valid precomputed vector are embedded during the load.
func NewLoader(embedder embed.Embedder, indexCfg store.VectorIndexConfig, batchSize int, logger *slog.Logger) (*Loader, error) {
	if embedder == nil {
		return nil, qerrors.New(qerrors.ErrCodeEmbedInit, "ingest requires an embedder", nil)
	}
	if batchSize <= 0 || batchSize > embed.MaxBatchSize {
		batchSize = embed.DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		embedder:  embedder,
		indexCfg:  indexCfg,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// EmbedText composes the text a node is embedded from. Ingest and any
// later re-embedding must agree on this, hence the content hash.
func EmbedText(a *store.Annotation) string {
	parts := []string{a.Signature, a.Summary, a.SourceSnippet}
	return embed.NormalizeText(strings.Join(parts, "\n"))
}

// HashText returns the content hash of an embedding input.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Load reads a JSONL export and replaces the workspace corpus: the
// annotation store rows and vector index are written together so C1 and
// C2 stay referentially consistent.
func (l *Loader) Load(ctx context.Context, layout workspace.Layout, r io.Reader) (*Result, error) {
	start := time.Now()

	records, err := l.parse(r)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, qerrors.New(qerrors.ErrCodeBadAnnotation, "export contains no records", nil)
	}

	dims := l.embedder.Dimensions()

	// Partition into reusable and to-embed, rejecting malformed vector
	// metadata outright rather than accommodating it at query time.
	var toEmbed []*Record
	embeddings := make([]*store.Embedding, 0, len(records))
	reused := 0
	for _, rec := range records {
		if len(rec.Vector) == 0 {
			toEmbed = append(toEmbed, rec)
			continue
		}
		if len(rec.Vector) != dims {
			return nil, qerrors.Newf(qerrors.ErrCodeBadVector, nil,
				"node %s: vector has %d dimensions, embedder %q produces %d",
				rec.NodeID, len(rec.Vector), l.embedder.ModelName(), dims)
		}
		text := EmbedText(&rec.Annotation)
		if rec.ContentHash != HashText(text) {
			// Stale vector: the text changed since it was computed.
			toEmbed = append(toEmbed, rec)
			continue
		}
		embeddings = append(embeddings, &store.Embedding{
			NodeID:      rec.NodeID,
			Vector:      rec.Vector,
			ContentHash: rec.ContentHash,
		})
		reused++
	}

	embedded, err := l.embedRecords(ctx, toEmbed)
	if err != nil {
		return nil, err
	}
	embeddings = append(embeddings, embedded...)

	if err := l.write(ctx, layout, records, embeddings, dims); err != nil {
		return nil, err
	}

	return &Result{
		Annotations: len(records),
		Embedded:    len(embedded),
		Reused:      reused,
		Duration:    time.Since(start),
	}, nil
}

// parse decodes and validates the JSONL export.
func (l *Loader) parse(r io.Reader) ([]*Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var records []*Record
	seen := make(map[string]bool)
	byFile := make(map[string]map[string]bool)
	line := 0

	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, qerrors.Newf(qerrors.ErrCodeBadAnnotation, err, "line %d: decode record", line)
		}
		if err := rec.Annotation.Validate(); err != nil {
			return nil, qerrors.Newf(qerrors.ErrCodeBadAnnotation, err, "line %d", line)
		}
		if seen[rec.NodeID] {
			return nil, qerrors.Newf(qerrors.ErrCodeBadAnnotation, nil,
				"line %d: duplicate node_id %s", line, rec.NodeID)
		}
		seen[rec.NodeID] = true

		if byFile[rec.FilePath] == nil {
			byFile[rec.FilePath] = make(map[string]bool)
		}
		byFile[rec.FilePath][rec.NodeID] = true

		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}

		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, qerrors.Newf(qerrors.ErrCodeBadAnnotation, err, "read export")
	}

	// Parents must resolve within the same file.
	for _, rec := range records {
		if rec.ParentID == "" {
			continue
		}
		if !byFile[rec.FilePath][rec.ParentID] {
			return nil, qerrors.Newf(qerrors.ErrCodeBadAnnotation, nil,
				"node %s: parent %s not found in %s", rec.NodeID, rec.ParentID, rec.FilePath)
		}
	}

	return records, nil
}

// embedRecords generates embeddings for records lacking a usable vector.
// Batches run concurrently; the embedder serialises actual model calls.
func (l *Loader) embedRecords(ctx context.Context, records []*Record) ([]*store.Embedding, error) {
	if len(records) == 0 {
		return nil, nil
	}

	out := make([]*store.Embedding, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for batchStart := 0; batchStart < len(records); batchStart += l.batchSize {
		start := batchStart
		end := start + l.batchSize
		if end > len(records) {
			end = len(records)
		}

		g.Go(func() error {
			texts := make([]string, end-start)
			for i, rec := range records[start:end] {
				texts[i] = EmbedText(&rec.Annotation)
			}

			vectors, err := l.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return qerrors.Newf(qerrors.ErrCodeEmbedFailed, err,
					"embed batch %d-%d", start, end)
			}

			for i, rec := range records[start:end] {
				out[start+i] = &store.Embedding{
					NodeID:      rec.NodeID,
					Vector:      vectors[i],
					ContentHash: HashText(texts[i]),
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// write persists annotations, embeddings and the vector index.
func (l *Loader) write(
	ctx context.Context,
	layout workspace.Layout,
	records []*Record,
	embeddings []*store.Embedding,
	dims int,
) error {
	if err := layout.Ensure(); err != nil {
		return err
	}

	s, err := store.OpenSQLiteStore(layout.AnnotationStorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	annotations := make([]*store.Annotation, len(records))
	for i, rec := range records {
		a := rec.Annotation
		annotations[i] = &a
	}

	if err := s.SaveAnnotations(ctx, annotations); err != nil {
		return fmt.Errorf("save annotations: %w", err)
	}
	if err := s.SaveEmbeddings(ctx, embeddings); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	if err := s.SetMeta(ctx, MetaKeyDimensions, fmt.Sprintf("%d", dims)); err != nil {
		return fmt.Errorf("record index dimensions: %w", err)
	}
	if err := s.SetMeta(ctx, MetaKeyModel, l.embedder.ModelName()); err != nil {
		return fmt.Errorf("record index model: %w", err)
	}

	cfg := l.indexCfg
	cfg.Dimensions = dims
	index, err := store.NewHNSWIndex(cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	ids := make([]string, len(embeddings))
	vectors := make([][]float32, len(embeddings))
	for i, e := range embeddings {
		ids[i] = e.NodeID
		vectors[i] = e.Vector
	}
	if err := index.Add(ctx, ids, vectors); err != nil {
		return fmt.Errorf("build vector index: %w", err)
	}
	if err := index.Save(layout.VectorIndexPath()); err != nil {
		return fmt.Errorf("save vector index: %w", err)
	}

	// Checkpoint last: the watcher's debounce folds the file events from
	// this load into one reload.
	if err := s.Checkpoint(); err != nil {
		l.logger.Warn("checkpoint failed", slog.String("error", err.Error()))
	}

	return nil
}
