package lint

import (
	"sort"

	"github.com/reconquest/matrix-runner/internal/config"
)

func sortedKeys(table map[string]config.Policy) []string {
	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
