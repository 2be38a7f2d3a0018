package timeline

import (
	"math"

	"github.com/lox/damwatch/internal/models"
)

// Evaluate scores predicted against actual over points that carry both.
// A zero actual contributes a zero percentage error rather than being
// skipped. With nothing to compare every field is zero.
func Evaluate(points []models.TimelinePoint) models.Accuracy {
	var sumErr, sumPct float64
	count := 0

	for _, p := range points {
		if !p.Actual.Valid || !p.Predicted.Valid {
			continue
		}
		actual, predicted := p.Actual.Float64, p.Predicted.Float64
		if math.IsNaN(actual) || math.IsNaN(predicted) {
			continue
		}

		e := math.Abs(actual - predicted)
		sumErr += e
		if actual != 0 {
			sumPct += e / math.Abs(actual) * 100
		}
		count++
	}

	if count == 0 {
		return models.Accuracy{}
	}

	mape := sumPct / float64(count)
	return models.Accuracy{
		AccuracyPct:       math.Max(0, math.Min(100, 100-mape)),
		MAPE:              mape,
		MeanAbsoluteError: sumErr / float64(count),
		Count:             count,
	}
}
