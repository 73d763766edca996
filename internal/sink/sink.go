// Package sink materializes accepted record batches into an analytical
// store. The reference sink is DuckDB; writes serialize through one writer
// so concurrent jobs never interleave partial batches.
package sink

import (
	"strings"

	"casparian/internal/core"
)

// Target is a parsed sink URL.
type Target struct {
	Driver string
	Path   string
}

// ParseURL parses a sink URL of the form "duckdb:<path>". Server-backed
// sinks are recognized but not implemented on-host.
func ParseURL(raw string) (*Target, error) {
	switch {
	case strings.HasPrefix(raw, "duckdb:"):
		path := strings.TrimPrefix(raw, "duckdb:")
		if path == "" {
			return nil, core.E(core.KindConstraint, "duckdb sink URL missing a path")
		}
		return &Target{Driver: "duckdb", Path: path}, nil
	case strings.HasPrefix(raw, "postgres:"), strings.HasPrefix(raw, "postgresql:"):
		return nil, core.E(core.KindUnsupported, "postgres sinks are not available on-host").
			WithSuggestion("use a duckdb:<path> sink")
	case strings.HasPrefix(raw, "sqlserver:"):
		return nil, core.E(core.KindUnsupported, "sqlserver sinks are not available on-host").
			WithSuggestion("use a duckdb:<path> sink")
	}
	return nil, core.E(core.KindUnsupported, "unrecognized sink URL %q", raw)
}
