package executor

import (
	"sort"
	"strings"
	"unicode"
)

// ParseEnv turns the output of `env` into a map. Lines without "=" and lines
// containing whitespace are skipped, so multi-line or space-containing
// values are dropped rather than misparsed.
func ParseEnv(output string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.IndexFunc(line, unicode.IsSpace) >= 0 {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
