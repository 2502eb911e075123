/*
Package reputation aggregates three independent signals about an agent
into one composite score: the on-chain rating registry, off-chain
activity (chat presence and peer ratings) and the local transactional
history. Each layer carries its own confidence; the composite is the
confidence-weighted mean over the layers that are available, so a
missing registry or an empty history degrades the score's confidence
instead of failing the lookup.
*/
package reputation

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NeutralScore is the composite reported when no layer has data.
const NeutralScore = 50.0

// Layer is one reputation signal. Score is in [0,100], Confidence in
// [0,1]. An unavailable layer is excluded from the composite entirely.
type Layer struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Available  bool    `json:"available"`
}

// Tier is the human-facing bucket of a composite score.
type Tier string

// Tiers from worst to best.
const (
	TierUntrusted   Tier = "Untrusted"
	TierNovice      Tier = "Novice"
	TierEstablished Tier = "Established"
	TierTrusted     Tier = "Trusted"
	TierElite       Tier = "Elite"
)

// TierOf buckets a composite score. Boundaries are half-open except the
// top bucket, which includes 100.
func TierOf(score float64) Tier {
	switch {
	case score < 25:
		return TierUntrusted
	case score < 50:
		return TierNovice
	case score < 75:
		return TierEstablished
	case score < 90:
		return TierTrusted
	default:
		return TierElite
	}
}

// Snapshot is the aggregate view of one agent at a point in time.
type Snapshot struct {
	Agent         common.Address `json:"agent"`
	OnChain       Layer          `json:"on_chain"`
	OffChain      Layer          `json:"off_chain"`
	Transactional Layer          `json:"transactional"`
	Composite     float64        `json:"composite"`
	Confidence    float64        `json:"confidence"`
	Tier          Tier           `json:"tier"`
	RefreshedAt   time.Time      `json:"refreshed_at"`
}

// Compose folds the layers into (composite, confidence). The composite
// is the confidence-weighted mean of the available layers and the
// confidence their plain mean; with no available layers, or only layers
// at zero confidence, the result is neutral.
func Compose(layers ...Layer) (float64, float64) {
	var weighted, totalWeight, confSum float64
	n := 0
	for _, l := range layers {
		if !l.Available {
			continue
		}
		weighted += l.Score * l.Confidence
		totalWeight += l.Confidence
		confSum += l.Confidence
		n++
	}
	if n == 0 || totalWeight == 0 {
		return NeutralScore, 0
	}
	return weighted / totalWeight, confSum / float64(n)
}

// sampleConfidence maps a sample count to [0,1): it reaches one half at
// half samples and approaches 1 as samples accumulate.
func sampleConfidence(samples, half int) float64 {
	if samples <= 0 {
		return 0
	}
	return float64(samples) / float64(samples+half)
}
