package export

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lox/damwatch/internal/models"
)

const csvTimeLayout = "2006-01-02 15:04"

// Column selects which timeline value a CSV row carries.
type Column string

const (
	ColumnBest      Column = "best"
	ColumnActual    Column = "actual"
	ColumnPredicted Column = "predicted"
	ColumnFuture    Column = "future"
)

func ParseColumn(s string) (Column, error) {
	switch c := Column(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return ColumnBest, nil
	case ColumnBest, ColumnActual, ColumnPredicted, ColumnFuture:
		return c, nil
	default:
		return "", fmt.Errorf("unknown column %q", s)
	}
}

func (c Column) pick(p models.TimelinePoint) sql.NullFloat64 {
	switch c {
	case ColumnActual:
		return finite(p.Actual)
	case ColumnPredicted:
		return finite(p.Predicted)
	case ColumnFuture:
		return finite(p.Future)
	}
	for _, v := range []sql.NullFloat64{p.Actual, p.Future, p.Predicted} {
		if v = finite(v); v.Valid {
			return v
		}
	}
	return sql.NullFloat64{}
}

// WriteCSV writes one row per timeline point followed by Total and Average
// rows. Null and non-finite values are written as empty fields and excluded
// from both.
func WriteCSV(w io.Writer, tl models.Timeline, col Column) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"DateTime", string(tl.Parameter) + "_Value"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	total := decimal.Zero
	count := 0
	for _, p := range tl.Points {
		field := ""
		if v := col.pick(p); v.Valid {
			d := decimal.NewFromFloat(v.Float64)
			total = total.Add(d)
			count++
			field = d.StringFixed(2)
		}
		if err := cw.Write([]string{p.Datetime.Format(csvTimeLayout), field}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	average := decimal.Zero
	if count > 0 {
		average = total.Div(decimal.NewFromInt(int64(count)))
	}
	if err := cw.Write([]string{"Total", total.StringFixed(2)}); err != nil {
		return fmt.Errorf("write total: %w", err)
	}
	if err := cw.Write([]string{"Average", average.StringFixed(2)}); err != nil {
		return fmt.Errorf("write average: %w", err)
	}

	cw.Flush()
	return cw.Error()
}
