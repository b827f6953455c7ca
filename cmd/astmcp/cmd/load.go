package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/astmcp/astmcp/internal/embed"
	"github.com/astmcp/astmcp/internal/ingest"
	"github.com/astmcp/astmcp/internal/output"
	"github.com/astmcp/astmcp/internal/store"
)

var loadCmd = &cobra.Command{
	Use:   "load <annotations.jsonl>",
	Short: "Load an annotation export into the workspace",
	Long: `Load ingests a JSONL annotation export produced by the AST parser,
embeds nodes that lack a current vector, and rebuilds the annotation
store and vector index. A running server picks up the change through
hot reload.

Pass "-" to read the export from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	layout, cfg, err := layoutAndConfig()
	if err != nil {
		return err
	}
	if err := layout.Ensure(); err != nil {
		return err
	}

	lock, err := layout.AcquireExclusive()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	var reader io.Reader
	if args[0] == "-" {
		reader = cmd.InOrStdin()
	} else {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open export: %w", err)
		}
		defer f.Close()
		reader = f
	}

	// Model initialisation failure is fatal on the ingest path.
	embedder, err := embed.New(cmd.Context(), cfg.Embeddings)
	if err != nil {
		return err
	}
	defer embedder.Close()

	indexCfg := store.VectorIndexConfig{
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		MaxElements:    cfg.Index.MaxElements,
	}

	loader, err := ingest.NewLoader(embedder, indexCfg, cfg.Embeddings.BatchSize, nil)
	if err != nil {
		return err
	}

	result, err := loader.Load(cmd.Context(), layout, reader)
	if err != nil {
		return err
	}

	p := output.NewPrinter(cmd.OutOrStdout())
	p.Title("Load complete")
	p.Field("annotations", "%d", result.Annotations)
	p.Field("embedded", "%d", result.Embedded)
	p.Field("reused vectors", "%d", result.Reused)
	p.Field("duration", "%s", result.Duration.Round(time.Millisecond))
	return nil
}
