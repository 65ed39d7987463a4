package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sparsediff/internal/httputil"
)

// maxChartPoints bounds the per-series payload of the HTML charts.
const maxChartPoints = 4000

// handleLossChart renders every recorded series against the global step.
// Query params:
//   - name (optional; restricts to one series)
//   - max_points (optional; default 4000) to reduce payload size
func (s *Server) handleLossChart(w http.ResponseWriter, r *http.Request) {
	names := s.history.Names()
	if n := r.URL.Query().Get("name"); n != "" {
		names = []string{n}
	}
	maxPoints := maxChartPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v >= 10 && v <= 50000 {
			maxPoints = v
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Training loss", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Loss per step", Subtitle: s.runLabel}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "step", Type: "value"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "loss", Type: "log"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)

	total := 0
	for _, name := range names {
		pts := s.history.Series(name)
		if len(pts) == 0 {
			continue
		}
		stride := 1
		if len(pts) > maxPoints {
			stride = (len(pts) + maxPoints - 1) / maxPoints
		}
		data := make([]opts.LineData, 0, len(pts)/stride+1)
		for i := 0; i < len(pts); i += stride {
			data = append(data, opts.LineData{Value: []interface{}{pts[i].Step, pts[i].Value}})
		}
		total += len(data)
		line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}
	if total == 0 {
		httputil.NotFound(w, "no metrics recorded yet")
		return
	}
	renderChart(w, line)
}

// handleEpochChart renders the weighted epoch means.
func (s *Server) handleEpochChart(w http.ResponseWriter, r *http.Request) {
	epochs := s.history.Epochs()
	if len(epochs) == 0 {
		httputil.NotFound(w, "no completed epochs yet")
		return
	}

	xs := make([]string, len(epochs))
	trainData := make([]opts.LineData, len(epochs))
	valData := make([]opts.LineData, 0, len(epochs))
	for i, e := range epochs {
		xs[i] = strconv.Itoa(e.Epoch)
		trainData[i] = opts.LineData{Value: e.TrainLoss}
		if e.ValExamples > 0 {
			valData = append(valData, opts.LineData{Value: e.ValLoss})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Epoch loss", Width: "900px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Weighted loss per epoch", Subtitle: s.runLabel}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "loss"}),
	)
	line.SetXAxis(xs).AddSeries("train", trainData)
	if len(valData) == len(epochs) {
		line.AddSeries("val", valData)
	}
	renderChart(w, line)
}

func renderChart(w http.ResponseWriter, line *charts.Line) {
	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
