package capability

import (
	"regexp"
	"strings"

	"github.com/bobarin/beatsync/internal/models"
)

const (
	AttentionFlag = "--attention"
	CompileFlag   = "--compile"
	TeacacheFlag  = "--teacache"
	ProfileFlag   = "--profile"

	safeAttention = "sdpa"
)

// attentionFallbacks maps an attention backend to the one tried when it is not installed.
var attentionFallbacks = map[string]string{
	"sage2": safeAttention,
	"sage":  safeAttention,
	"flash": safeAttention,
}

// Signature is one known incompatibility: a log pattern and the adjustment it implies.
// Adjust receives the regexp submatches and may return an empty adjustment when there
// is nothing left to try.
type Signature struct {
	ID      string
	Pattern *regexp.Regexp
	Adjust  func(submatch []string) models.Adjustment
}

// Match is a signature found in a failure log.
type Match struct {
	SignatureID string
	// Key identifies the signature instance, e.g. "unsupported_cli_argument:strip --teacache".
	Key        string
	Line       string
	Adjustment models.Adjustment
}

type Table []Signature

// DefaultSignatures is the table the orchestrator uses unless one is injected.
var DefaultSignatures = Table{
	{
		ID:      "unsupported_cli_argument",
		Pattern: regexp.MustCompile(`unrecognized arguments?:\s*(.+)`),
		Adjust: func(m []string) models.Adjustment {
			var flags []string
			for _, tok := range strings.Fields(m[1]) {
				if strings.HasPrefix(tok, "--") {
					flags = append(flags, tok)
				}
			}
			return models.Adjustment{UnsupportedFlags: flags}
		},
	},
	{
		ID:      "unsupported_attention_backend",
		Pattern: regexp.MustCompile(`attention mode '([\w-]+)'\. However it is not installed or supported`),
		Adjust:  attentionAdjustment,
	},
	{
		ID:      "unsupported_attention_backend",
		Pattern: regexp.MustCompile(`(?i)unsupported attention backend:?\s*'?([\w-]+)'?`),
		Adjust:  attentionAdjustment,
	},
	{
		ID:      "compile_unavailable",
		Pattern: regexp.MustCompile(`No module named '?triton'?`),
		Adjust: func([]string) models.Adjustment {
			return models.Adjustment{UnsupportedFlags: []string{CompileFlag}}
		},
	},
}

func attentionAdjustment(m []string) models.Adjustment {
	mode := strings.ToLower(m[1])
	fallback, ok := attentionFallbacks[mode]
	if !ok {
		return models.Adjustment{}
	}
	return models.Adjustment{AttentionFallback: map[string]string{mode: fallback}}
}

// Match returns the first signature found in log, or nil.
func (t Table) Match(log string) *Match {
	for _, sig := range t {
		sm := sig.Pattern.FindStringSubmatch(log)
		if sm == nil {
			continue
		}
		adj := sig.Adjust(sm)
		adj.Signature = sig.ID
		adj.Evidence = strings.TrimSpace(sm[0])

		key := sig.ID
		if d := Describe(adj); d != "" {
			key += ":" + d
		} else if len(sm) > 1 {
			key += ":" + strings.TrimSpace(sm[1])
		}
		return &Match{
			SignatureID: sig.ID,
			Key:         key,
			Line:        adj.Evidence,
			Adjustment:  adj,
		}
	}
	return nil
}

// Describe renders an adjustment for reports, e.g. "strip --teacache; attention sage2->sdpa".
func Describe(adj models.Adjustment) string {
	var parts []string
	for _, f := range adj.UnsupportedFlags {
		parts = append(parts, "strip "+f)
	}
	for _, from := range sortedKeys(adj.AttentionFallback) {
		parts = append(parts, "attention "+from+"->"+adj.AttentionFallback[from])
	}
	return strings.Join(parts, "; ")
}
