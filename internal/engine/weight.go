package engine

import "time"

const (
	biasWindowMS = 300_000 // 5 minute rolling window
	biasScaleMS  = 150_000
)

// TimeBias returns a value in [0, 2) that rises over a rolling five-minute
// window and resets. Within one weight class it gives earlier submissions a
// small edge over later ones, so a burst of same-priority work is not served
// in pure arrival order while priority stays dominated by base weight and
// submitter offset.
func TimeBias(now time.Time) float64 {
	return float64(now.UnixMilli()%biasWindowMS) / biasScaleMS
}

// Weight computes a task's scheduling priority. Lower is served first.
func Weight(now time.Time, baseWeight, submitterOffset float64) float64 {
	return TimeBias(now) + baseWeight + submitterOffset
}

// RepeatPenalty orders repeat passes of one submission behind earlier passes
// without starving other submitters.
func RepeatPenalty(pass int) float64 {
	return float64(pass) / 10
}
