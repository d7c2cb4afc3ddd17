package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// ParamKey returns a deterministic key of ordered parameters with a short hash.
// Parameter order is significant; callers pass them in a fixed field order.
func ParamKey(prefix string, params []string) string {
	joined := strings.Join(params, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%s:%x", prefix, sum)[:len(prefix)+1+16] // prefix + ":" + first 16 hex chars
}

// SortedKeys returns m's keys in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
