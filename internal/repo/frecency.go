package repo

import (
	"math"
	"time"
)

// frecencyHalfLifeDays is the commit age at which a commit's contribution
// halves: a 90-day-old commit counts half as much as one from today.
const frecencyHalfLifeDays = 90.0

// decayLambda is chosen so exp(-lambda * 90) == 0.5.
var decayLambda = math.Ln2 / frecencyHalfLifeDays

// Frecency computes per-file frecency from commit timestamps: the sum over
// commits of exp(-lambda * age_in_days), normalized so the maximum across
// files equals 1. Files absent from times score 0.
func Frecency(times map[string][]time.Time, now time.Time) map[string]float64 {
	scores := make(map[string]float64, len(times))

	var max float64
	for path, commits := range times {
		var score float64
		for _, t := range commits {
			ageDays := now.Sub(t).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			score += math.Exp(-decayLambda * ageDays)
		}
		scores[path] = score
		if score > max {
			max = score
		}
	}

	if max > 0 {
		for path := range scores {
			scores[path] /= max
		}
	}

	return scores
}
