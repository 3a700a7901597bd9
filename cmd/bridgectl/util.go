package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// splitSeed parses "type/config_id".
func splitSeed(s string) (typ, id string, err error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || typ == "" || id == "" {
		return "", "", fmt.Errorf("invalid seed %q, want type/config_id", s)
	}
	return typ, id, nil
}
