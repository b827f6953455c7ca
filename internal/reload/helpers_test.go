package reload

import (
	"io"
	"strings"
	"testing"

	"github.com/astmcp/astmcp/internal/embed"
)

func newTestEmbedder(t *testing.T) embed.Embedder {
	t.Helper()
	e := embed.NewStaticEmbedder()
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newStringReader(s string) io.Reader {
	return strings.NewReader(s)
}
