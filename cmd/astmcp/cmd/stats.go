package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/astmcp/astmcp/internal/output"
	"github.com/astmcp/astmcp/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print workspace index statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	layout, _, err := layoutAndConfig()
	if err != nil {
		return err
	}

	p := output.NewPrinter(cmd.OutOrStdout())

	if !layout.Exists() {
		p.Line("no workspace at %s (run 'astmcp load' first)", layout.WorkspaceDir())
		return nil
	}

	s, err := store.OpenSQLiteStoreReadOnly(layout.AnnotationStorePath())
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Statistics(cmd.Context())
	if err != nil {
		return err
	}

	vectors := 0
	dims := 0
	if d, err := store.ReadIndexDimensions(layout.VectorIndexPath()); err == nil && d > 0 {
		dims = d
		if idx, err := store.OpenHNSWIndex(layout.VectorIndexPath(), store.DefaultVectorIndexConfig(d)); err == nil {
			vectors = idx.Stats().Count
			_ = idx.Close()
		}
	}

	p.Title("Workspace " + layout.WorkspaceDir())
	p.Field("files", "%d", stats.Files)
	p.Field("nodes", "%d", stats.Nodes)
	p.Field("vectors", "%d (%d dimensions)", vectors, dims)
	p.Field("avg complexity", "%.2f", stats.AvgComplexity)
	if !stats.LastUpdated.IsZero() {
		p.Field("last updated", "%s", stats.LastUpdated.UTC().Format(time.RFC3339))
	}
	for nt, n := range stats.NodeTypeHistogram {
		p.Field(string(nt), "%d", n)
	}
	p.Status(vectors > 0)
	return nil
}
