// Command astmcp serves a local code-intelligence index to AI agents
// over the Model Context Protocol.
package main

import (
	"fmt"
	"os"

	"github.com/astmcp/astmcp/cmd/astmcp/cmd"
	qerrors "github.com/astmcp/astmcp/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "astmcp:", err)
		if qerrors.IsCorruption(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
