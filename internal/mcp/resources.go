package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/astmcp/astmcp/internal/store"
)

// RegisterResources exposes the annotation store as a browsable resource
// tree keyed by file path: one annotation://<file_path> resource per
// indexed file, whose content is the file's annotations in source order.
// Called at serve start; the tree reflects the snapshot at that moment.
func (s *Server) RegisterResources(ctx context.Context) error {
	snap, release := s.source.Acquire()
	defer release()

	annotations, err := snap.Store.Query(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("list annotations for resources: %w", err)
	}

	files := make(map[string]int)
	for _, a := range annotations {
		files[a.FilePath]++
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		s.registerFileResource(p, files[p])
	}

	s.logger.Info("registered annotation resources", slog.Int("count", len(paths)))
	return nil
}

// registerFileResource registers a single file's annotation list.
func (s *Server) registerFileResource(filePath string, nodeCount int) {
	uri := "annotation://" + filePath
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        filePath,
			URI:         uri,
			Description: fmt.Sprintf("%d annotated nodes in %s", nodeCount, filePath),
			MIMEType:    "application/json",
		},
		s.makeFileResourceHandler(filePath, uri),
	)
}

// makeFileResourceHandler creates a read handler for one file path.
// The content is read from the current snapshot, so a hot reload is
// reflected on the next read.
func (s *Server) makeFileResourceHandler(filePath, uri string) mcp.ResourceHandler {
	return func(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		snap, release := s.source.Acquire()
		defer release()

		annotations, err := snap.Store.GetByFile(ctx, filePath)
		if err != nil {
			return nil, MapError(err)
		}

		out := make([]AnnotationOutput, 0, len(annotations))
		for _, a := range annotations {
			out = append(out, toAnnotationOutput(a))
		}

		content, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, MapError(err)
		}

		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      uri,
					MIMEType: "application/json",
					Text:     string(content),
				},
			},
		}, nil
	}
}
