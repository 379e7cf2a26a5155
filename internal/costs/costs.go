// Package costs centralizes spend estimation and the per-episode budget
// guard. Stages ask the guard before calling paid providers so a breach
// surfaces before money is spent, not after.
package costs

import (
	"fmt"
	"strings"

	"redub/internal/services"
)

// Provider price seeds. Config may override the TTS rate; image prices are
// fixed per quality tier.
const (
	ImageStandardUSD       = 0.080
	ImageHDUSD             = 0.120
	TTSPer1KCharsUSD       = 0.30
	TranscribePerMinuteUSD = 0.006
	DefaultEpisodeCap      = 10.00
	ttsCharsPerDollar      = 1000.0
)

// ImagePrice returns the per-image cost for the configured quality tier.
func ImagePrice(quality string) float64 {
	if strings.EqualFold(strings.TrimSpace(quality), "hd") {
		return ImageHDUSD
	}
	return ImageStandardUSD
}

// TTSPrice returns the cost of synthesizing charCount characters at the given
// per-1000-character rate. A non-positive rate falls back to the default.
func TTSPrice(charCount int, pricePer1K float64) float64 {
	if charCount <= 0 {
		return 0
	}
	if pricePer1K <= 0 {
		pricePer1K = TTSPer1KCharsUSD
	}
	return float64(charCount) / ttsCharsPerDollar * pricePer1K
}

// TranscribePrice returns the cost of transcribing the given audio duration
// at the per-minute provider rate.
func TranscribePrice(durationSeconds float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return durationSeconds / 60.0 * TranscribePerMinuteUSD
}

// Guard enforces the per-episode spend cap.
type Guard struct {
	capUSD float64
}

// NewGuard builds a Guard. A non-positive cap falls back to the default.
func NewGuard(capUSD float64) Guard {
	if capUSD <= 0 {
		capUSD = DefaultEpisodeCap
	}
	return Guard{capUSD: capUSD}
}

// Cap returns the configured episode budget.
func (g Guard) Cap() float64 { return g.capUSD }

// Check returns a cost-limit error when spent plus the projected stage budget
// would exceed the cap. spent covers successful runs only.
func (g Guard) Check(stage string, spentUSD, projectedUSD float64) error {
	if spentUSD+projectedUSD <= g.capUSD {
		return nil
	}
	return services.Wrap(services.ErrCostLimit, stage, "budget",
		fmt.Sprintf("spent %.2f USD + projected %.2f USD exceeds cap %.2f USD", spentUSD, projectedUSD, g.capUSD), nil)
}

// Remaining returns how much budget is left. Never negative.
func (g Guard) Remaining(spentUSD float64) float64 {
	remaining := g.capUSD - spentUSD
	if remaining < 0 {
		return 0
	}
	return remaining
}
