package capability

import (
	"sort"

	"github.com/bobarin/beatsync/internal/models"
)

// Apply returns a copy of args with the learned overrides applied: flags known to be
// unsupported are removed and the attention backend follows the fallback chain.
func Apply(args map[string]string, state models.CapabilityState) map[string]string {
	out := make(map[string]string, len(args))
	for flag, value := range args {
		if state.FlagUnsupported(flag) {
			continue
		}
		out[flag] = value
	}

	if mode, ok := out[AttentionFlag]; ok {
		out[AttentionFlag] = resolveAttention(mode, state.AttentionBackendFallback)
	}
	return out
}

func resolveAttention(mode string, fallbacks map[string]string) string {
	seen := map[string]bool{mode: true}
	for {
		next, ok := fallbacks[mode]
		if !ok || seen[next] {
			return mode
		}
		seen[next] = true
		mode = next
	}
}

// Covers reports whether state already contains everything adj would add.
func Covers(state models.CapabilityState, adj models.Adjustment) bool {
	for _, f := range adj.UnsupportedFlags {
		if !state.FlagUnsupported(f) {
			return false
		}
	}
	for from, to := range adj.AttentionFallback {
		if state.AttentionBackendFallback[from] != to {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
