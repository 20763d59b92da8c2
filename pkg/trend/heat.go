package trend

import (
	"math"
	"time"
)

const (
	scoreWeight   = 0.6
	commentWeight = 2.0
	decayExponent = 0.8
)

// Heat scores an item by engagement decayed over its age in hours. Ages below
// one hour, including timestamps slightly in the future, count as one hour.
func Heat(score, comments int, createdAt, now time.Time) float64 {
	ageHours := math.Max(1.0, now.Sub(createdAt).Hours())
	return (float64(score)*scoreWeight + float64(comments)*commentWeight) / math.Pow(ageHours, decayExponent)
}
