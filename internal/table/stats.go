package table

import (
	"math"
	"slices"

	"yelpetl/internal/domain"
)

// Mean returns the arithmetic mean of xs, or NaN when xs is empty.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Median returns the middle value of xs (the average of the two middle
// values for an even count), or NaN when xs is empty. xs is not modified.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return math.NaN()
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// Summarize computes the daily summary row for one batch.
func Summarize(b *domain.Batch) domain.DailySummary {
	aliases := make(map[string]struct{})
	for _, c := range b.Categories {
		aliases[c.Alias] = struct{}{}
	}

	ratings := make([]float64, len(b.Facilities))
	counts := make([]float64, len(b.Facilities))
	for i, f := range b.Facilities {
		ratings[i] = f.Rating
		counts[i] = float64(f.ReviewCount)
	}

	revRatings := make([]float64, len(b.Reviews))
	for i, r := range b.Reviews {
		revRatings[i] = r.Rating
	}

	return domain.DailySummary{
		Date:                      b.Date,
		CategoryCount:             int64(len(aliases)),
		FacilityCount:             int64(len(b.Facilities)),
		FacilityRatingMean:        Mean(ratings),
		FacilityRatingMedian:      Median(ratings),
		FacilityReviewCountMean:   Mean(counts),
		FacilityReviewCountMedian: Median(counts),
		ReviewCount:               int64(len(b.Reviews)),
		ReviewRatingMean:          Mean(revRatings),
		ReviewRatingMedian:        Median(revRatings),
	}
}
