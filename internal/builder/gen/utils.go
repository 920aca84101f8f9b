package gen

import (
	"path/filepath"
	"strings"
)

func write(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
}
func writeln(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
	sb.WriteByte('\n')
}

// hasCxx reports whether any of the paths is a C++ source or object.
func hasCxx(paths []string) bool {
	for _, p := range paths {
		if isCxx(strings.TrimSuffix(p, ".o")) {
			return true
		}
	}
	return false
}

func isCxx(path string) bool {
	return !strings.EqualFold(filepath.Ext(path), ".c")
}
