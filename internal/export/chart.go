package export

import (
	"database/sql"
	"math"
	"time"

	"github.com/lox/damwatch/internal/models"
)

// ChartPoint is the null-safe shape consumed by the line chart. A nil value
// encodes as JSON null and must be drawn as a line break, never as zero.
type ChartPoint struct {
	Datetime       time.Time `json:"datetime"`
	ActualValue    *float64  `json:"actualValue"`
	PredictedValue *float64  `json:"predictedValue"`
	FutureValue    *float64  `json:"futureValue"`
}

type Chart struct {
	Parameter     models.Parameter `json:"parameter"`
	Unit          string           `json:"unit"`
	Points        []ChartPoint     `json:"points"`
	Accuracy      models.Accuracy  `json:"accuracy"`
	MissingActual int              `json:"missingActual"`
	Unsanitized   int              `json:"unsanitized"`
	Overlaps      int              `json:"overlaps"`
}

func ToChart(tl models.Timeline, acc models.Accuracy) Chart {
	points := make([]ChartPoint, 0, len(tl.Points))
	for _, p := range tl.Points {
		points = append(points, ChartPoint{
			Datetime:       p.Datetime,
			ActualValue:    ptr(p.Actual),
			PredictedValue: ptr(p.Predicted),
			FutureValue:    ptr(p.Future),
		})
	}
	return Chart{
		Parameter:     tl.Parameter,
		Unit:          tl.Parameter.Spec().Unit,
		Points:        points,
		Accuracy:      acc,
		MissingActual: tl.MissingActual(),
		Unsanitized:   tl.Unsanitized,
		Overlaps:      tl.Overlaps,
	}
}

// finite reports NaN and ±Inf as null; neither JSON nor decimal can carry them.
func finite(v sql.NullFloat64) sql.NullFloat64 {
	if !v.Valid || math.IsNaN(v.Float64) || math.IsInf(v.Float64, 0) {
		return sql.NullFloat64{}
	}
	return v
}

func ptr(v sql.NullFloat64) *float64 {
	if v = finite(v); !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
