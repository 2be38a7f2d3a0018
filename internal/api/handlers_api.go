package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/lox/damwatch/internal/export"
	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/pipeline"
	"github.com/lox/damwatch/internal/store"
)

type timelineResponse struct {
	export.Chart
	CycleID       string                      `json:"cycleId"`
	GeneratedAt   time.Time                   `json:"generatedAt"`
	SegmentErrors map[pipeline.Segment]string `json:"segmentErrors,omitempty"`
}

// latestTimeline writes the error response itself when no usable result
// exists. A fatal failure of the newest cycle takes precedence over an
// older good result.
func (s *Server) latestTimeline(w http.ResponseWriter) (*pipeline.Result, bool) {
	if err := s.poller.Timeline.Err(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	res, _, ok := s.poller.Timeline.Get()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no timeline available yet")
		return nil, false
	}
	return res, true
}

func (s *Server) timelineFor(w http.ResponseWriter, r *http.Request) (*pipeline.Result, models.Timeline, bool) {
	param, err := models.ParseParameter(r.URL.Query().Get("parameter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, models.Timeline{}, false
	}
	res, ok := s.latestTimeline(w)
	if !ok {
		return nil, models.Timeline{}, false
	}
	tl, found := res.Timelines[param]
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("parameter %s is not configured", param))
		return nil, models.Timeline{}, false
	}
	return res, tl, true
}

func (s *Server) handleAPITimeline(w http.ResponseWriter, r *http.Request) {
	res, tl, ok := s.timelineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{
		Chart:         export.ToChart(tl, res.Accuracy[tl.Parameter]),
		CycleID:       res.CycleID,
		GeneratedAt:   res.GeneratedAt,
		SegmentErrors: res.SegmentErrors,
	})
}

func (s *Server) handleAPIAccuracy(w http.ResponseWriter, r *http.Request) {
	res, ok := s.latestTimeline(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generatedAt":  res.GeneratedAt,
		"historyStart": res.HistoryStart,
		"accuracy":     res.Accuracy,
	})
}

type currentHour struct {
	Key    string                       `json:"key"`
	Hour   time.Time                    `json:"hour"`
	Values map[models.Parameter]float64 `json:"values"`
	Filled bool                         `json:"filled"`
}

func (s *Server) handleAPICurrent(w http.ResponseWriter, r *http.Request) {
	live, _, ok := s.poller.Live.Get()
	if !ok {
		msg := "no sensor data available yet"
		if err := s.poller.Live.Err(); err != nil {
			msg = err.Error()
		}
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}

	hours := make([]currentHour, 0, len(live.Series))
	for _, rec := range live.Series {
		hours = append(hours, currentHour{
			Key:    rec.Key,
			Hour:   rec.Hour,
			Values: displayValues(rec.Values),
			Filled: rec.Filled,
		})
	}

	resp := map[string]any{
		"generatedAt": live.GeneratedAt,
		"hours":       hours,
	}
	if cur, ok := live.Current(); ok {
		resp["current"] = currentHour{Key: cur.Key, Hour: cur.Hour, Values: displayValues(cur.Values), Filled: cur.Filled}
	}
	writeJSON(w, http.StatusOK, resp)
}

// displayValues applies the magnitude rule for flow parameters.
func displayValues(values map[models.Parameter]float64) map[models.Parameter]float64 {
	out := make(map[models.Parameter]float64, len(values))
	for p, v := range values {
		if p.Spec().Magnitude {
			v = math.Abs(v)
		}
		out[p] = v
	}
	return out
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	col, err := export.ParseColumn(r.URL.Query().Get("column"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, tl, ok := s.timelineFor(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, tl, col); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	filename := fmt.Sprintf("%s-%s-%s.csv",
		strings.ToLower(string(tl.Parameter)), col, res.HistoryStart.Format("20060102"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Write(buf.Bytes())
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	s.poller.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh queued"})
}

type ingestHealthResponse struct {
	Daily        []store.IngestHealthSummary `json:"daily"`
	RecentErrors []ingestError               `json:"recentErrors"`
	RecentCycles []pipelineCycle             `json:"recentCycles"`
}

type ingestError struct {
	CycleID    string    `json:"cycleId"`
	StartedAt  time.Time `json:"startedAt"`
	Segment    string    `json:"segment"`
	Endpoint   string    `json:"endpoint"`
	Attempts   int64     `json:"attempts"`
	HTTPStatus int64     `json:"httpStatus,omitempty"`
	Error      string    `json:"error"`
}

type pipelineCycle struct {
	CycleID   string    `json:"cycleId"`
	Kind      string    `json:"kind"`
	Token     int64     `json:"token"`
	StartedAt time.Time `json:"startedAt"`
	Success   bool      `json:"success"`
	Degraded  bool      `json:"degraded"`
	Applied   bool      `json:"applied"`
	Error     string    `json:"error,omitempty"`
	Summary   string    `json:"summary,omitempty"`
}

func (s *Server) handleAPIIngestHealth(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}

	daily, err := s.store.GetIngestHealth(7)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failures, err := s.store.GetRecentIngestErrors(20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	runs, err := s.store.GetRecentPipelineRuns(20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := ingestHealthResponse{
		Daily:        daily,
		RecentErrors: make([]ingestError, 0, len(failures)),
		RecentCycles: make([]pipelineCycle, 0, len(runs)),
	}
	for _, f := range failures {
		resp.RecentErrors = append(resp.RecentErrors, ingestError{
			CycleID:    f.CycleID,
			StartedAt:  f.StartedAt,
			Segment:    f.Segment,
			Endpoint:   f.Endpoint,
			Attempts:   f.Attempts.Int64,
			HTTPStatus: f.HTTPStatus.Int64,
			Error:      f.ErrorMessage.String,
		})
	}
	for _, run := range runs {
		resp.RecentCycles = append(resp.RecentCycles, pipelineCycle{
			CycleID:   run.CycleID,
			Kind:      run.Kind,
			Token:     run.Token,
			StartedAt: run.StartedAt,
			Success:   run.Success,
			Degraded:  run.Degraded,
			Applied:   run.Applied,
			Error:     run.ErrorMessage.String,
			Summary:   run.Summary.String,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
