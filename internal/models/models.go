package models

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HourKeyLayout is the canonical hour bucket format, rendered in the plant zone.
const HourKeyLayout = "2006-01-02 15"

type Parameter string

const (
	Inflow     Parameter = "INFLOW"
	Outflow    Parameter = "OUTFLOW"
	WaterLevel Parameter = "WATER_LEVEL"
	Load       Parameter = "LOAD"
)

// Rule decides how several readings of one parameter inside an hour combine.
type Rule int

const (
	RuleOverwriteLatest Rule = iota
	RuleSumWithinHour
)

func (r Rule) String() string {
	switch r {
	case RuleSumWithinHour:
		return "sum-within-hour"
	default:
		return "overwrite-latest"
	}
}

type ParameterSpec struct {
	Rule        Rule
	NonNegative bool
	Magnitude   bool // only |v| is physically meaningful (flow rates)
	Unit        string
}

var parameterSpecs = map[Parameter]ParameterSpec{
	Inflow:     {Rule: RuleOverwriteLatest, NonNegative: true, Magnitude: true, Unit: "m3/s"},
	Outflow:    {Rule: RuleOverwriteLatest, NonNegative: true, Magnitude: true, Unit: "m3/s"},
	WaterLevel: {Rule: RuleOverwriteLatest, NonNegative: true, Unit: "m"},
	Load:       {Rule: RuleSumWithinHour, NonNegative: true, Unit: "MW"},
}

// AllParameters lists the known parameters in display order.
func AllParameters() []Parameter {
	return []Parameter{Inflow, Outflow, WaterLevel, Load}
}

// Spec returns the combination rule and domain constraints for p.
// Unknown parameters get overwrite-latest with no constraint.
func (p Parameter) Spec() ParameterSpec {
	if s, ok := parameterSpecs[p]; ok {
		return s
	}
	return ParameterSpec{Rule: RuleOverwriteLatest}
}

func (p Parameter) Valid() bool {
	_, ok := parameterSpecs[p]
	return ok
}

func ParseParameter(s string) (Parameter, error) {
	p := Parameter(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown parameter %q", s)
	}
	return p, nil
}

// RawValue holds the literal text of a JSON string or number. Null decodes to "".
type RawValue string

func (v *RawValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = RawValue(s)
		return nil
	}
	*v = RawValue(b)
	return nil
}

// RawRecord is one provider record as it arrives from a telemetry or forecast endpoint.
type RawRecord struct {
	SourceID  string
	Timestamp string
	Value     RawValue
}

func (r *RawRecord) UnmarshalJSON(b []byte) error {
	var aux struct {
		Timestamp   string   `json:"timestamp"`
		Value       RawValue `json:"value"`
		SourceTable string   `json:"source_table"`
		SourceID    string   `json:"sourceId"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.Timestamp = aux.Timestamp
	r.Value = aux.Value
	r.SourceID = aux.SourceID
	if r.SourceID == "" {
		r.SourceID = aux.SourceTable
	}
	return nil
}

type Reading struct {
	SourceID  string
	Parameter Parameter
	Timestamp time.Time
	Value     float64
}

// HourlyRecord is one hour bucket. A parameter absent from Values is missing;
// a present zero is a real reading.
type HourlyRecord struct {
	Key    string
	Hour   time.Time
	Values map[Parameter]float64
	Filled bool // synthesized by gap filling
}

func (r HourlyRecord) Value(p Parameter) (float64, bool) {
	v, ok := r.Values[p]
	return v, ok
}

// Clone returns a copy that shares nothing with r.
func (r HourlyRecord) Clone() HourlyRecord {
	values := make(map[Parameter]float64, len(r.Values))
	for p, v := range r.Values {
		values[p] = v
	}
	r.Values = values
	return r
}

type Series []HourlyRecord

// Parameters returns every parameter present in at least one record: known
// parameters in display order, then unknown ones sorted by name.
func (s Series) Parameters() []Parameter {
	seen := make(map[Parameter]bool)
	for _, rec := range s {
		for p := range rec.Values {
			seen[p] = true
		}
	}
	var params []Parameter
	for _, p := range AllParameters() {
		if seen[p] {
			params = append(params, p)
			delete(seen, p)
		}
	}
	extra := make([]Parameter, 0, len(seen))
	for p := range seen {
		extra = append(extra, p)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(params, extra...)
}

type TimelinePoint struct {
	Datetime  time.Time
	Actual    sql.NullFloat64
	Predicted sql.NullFloat64
	Future    sql.NullFloat64
}

type Timeline struct {
	Parameter   Parameter
	Points      []TimelinePoint
	Overlaps    int
	Unsanitized int // invalid values left in place across the merged segments
}

// MissingActual counts historical points without an actual reading.
func (t Timeline) MissingActual() int {
	n := 0
	for _, p := range t.Points {
		if !p.Actual.Valid && !p.Future.Valid {
			n++
		}
	}
	return n
}

type Accuracy struct {
	AccuracyPct       float64 `json:"accuracyPct"`
	MAPE              float64 `json:"mape"`
	MeanAbsoluteError float64 `json:"meanAbsoluteError"`
	Count             int     `json:"count"`
}
