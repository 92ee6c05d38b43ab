package planner

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/bobarin/beatsync/internal/models"
)

// NegativePrompt is attached to every shot.
const NegativePrompt = "text, logo, watermark, unreadable typography, blurry, overexposed, underexposed, " +
	"gray blob, abstract texture mush, deformed anatomy, extra limbs, flicker, jitter"

const maxStyleTokens = 3

var sectionDescriptors = map[string]string{
	"intro":      "establishing shot with atmosphere and anticipation",
	"verse":      "narrative medium shot with subtle movement",
	"pre-chorus": "rising tension with forward camera drift",
	"chorus":     "hero shot, strong subject clarity, expressive motion",
	"drop":       "hero shot, strong subject clarity, expressive motion",
	"bridge":     "contrast section with unexpected angle and mood shift",
	"outro":      "closing shot with graceful deceleration",
}

const defaultDescriptor = "stylized music video shot with clear subject and coherent action"

var positionPhrases = map[models.ShotPosition]string{
	models.PositionOpening:   "opening moment that introduces the world",
	models.PositionBuild:     "building momentum toward the peak",
	models.PositionClimax:    "climactic peak of the song",
	models.PositionBreakdown: "breakdown after the peak, reflective pacing",
	models.PositionOutro:     "final moment that resolves the story",
}

var cameraMoves = []string{
	"slow dolly-in",
	"handheld parallax motion",
	"gentle crane rise",
	"tracking shot from side profile",
	"center-framed push-in",
	"over-shoulder reveal",
}

func sectionDescriptor(label string) string {
	if d, ok := sectionDescriptors[strings.ToLower(label)]; ok {
		return d
	}
	return defaultDescriptor
}

// styleTokens picks up to three tokens in a seeded order.
func styleTokens(rng *rand.Rand, tokens []string) []string {
	n := len(tokens)
	if n > maxStyleTokens {
		n = maxStyleTokens
	}
	picked := make([]string, 0, n)
	for _, i := range rng.Perm(len(tokens))[:n] {
		picked = append(picked, tokens[i])
	}
	return picked
}

func buildPrompt(theme, label string, pos models.ShotPosition, camera string, style []string, brand string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "music video scene, %s, %s, %s, %s", theme, sectionDescriptor(label), positionPhrases[pos], camera)
	if len(style) > 0 {
		b.WriteString(", ")
		b.WriteString(strings.Join(style, ", "))
	}
	b.WriteString(", clear human subject, coherent anatomy, cinematic realism")
	if brand != "" {
		fmt.Fprintf(&b, ", subtle visual motif inspired by %s, no readable logos or text", brand)
	}
	return b.String()
}
