package env

import (
	"strings"
	"testing"
)

// FuzzMerge fuzzes Merge/expand with random inputs to ensure no panics and
// basic invariants around ${VAR} expansion.
func FuzzMerge(f *testing.F) {
	// seeds (packed as bytes; newline-separated K=V lines)
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}")) // cyclic-like

	f.Fuzz(func(t *testing.T, baseB []byte, perB []byte) {
		base := parseLines(string(baseB))
		per := parseLines(string(perB))

		e := New()
		for k, v := range base {
			e.Set(k, v)
		}
		out := e.Merge(per)

		// 1) no empty keys survive the merge
		for k := range out {
			if k == "" {
				t.Fatalf("empty key in merged output")
			}
		}
		// 2) per-instance overrides win
		for k, v := range per {
			if k == "" || strings.Contains(v, "${") {
				continue
			}
			if out[k] != v {
				t.Fatalf("override lost: %q = %q, want %q", k, out[k], v)
			}
		}
		// 3) without '$' in any input, no placeholder may remain
		containsDollar := false
		for _, m := range []Var{base, per} {
			for _, v := range m {
				if strings.ContainsRune(v, '$') {
					containsDollar = true
				}
			}
		}
		if !containsDollar {
			for _, v := range out {
				if strings.Contains(v, "${") {
					t.Fatalf("unexpected placeholder remains: %q", v)
				}
			}
		}
		// 4) Lines renders exactly one pair per key
		if got := len(Lines(out)); got != len(out) {
			t.Fatalf("Lines returned %d pairs for %d keys", got, len(out))
		}
	})
}

// parseLines decodes newline-separated K=V lines, capped at 20 entries.
func parseLines(s string) Var {
	out := make(Var)
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		if i := strings.IndexByte(ln, '='); i >= 0 {
			out[ln[:i]] = ln[i+1:]
		}
		if len(out) >= 20 {
			break
		}
	}
	return out
}
