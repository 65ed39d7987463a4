package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sparsediff/internal/diffusion/train"
	"github.com/banshee-data/sparsediff/internal/monitoring"
)

// LossPlotter writes PNG loss curves from a History.
type LossPlotter struct {
	history   *History
	outputDir string
	prefix    string
}

// NewLossPlotter writes plots named <prefix>_*.png into outputDir.
func NewLossPlotter(h *History, outputDir, prefix string) (*LossPlotter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create plot dir: %w", err)
	}
	if prefix == "" {
		prefix = "loss"
	}
	return &LossPlotter{history: h, outputDir: outputDir, prefix: prefix}, nil
}

// OutputDir returns the directory plots are written to.
func (p *LossPlotter) OutputDir() string { return p.outputDir }

// ObserveEpoch regenerates the plots; it is meant to run as an epoch hook.
// Plot failures are logged rather than stopping training.
func (p *LossPlotter) ObserveEpoch(_ context.Context, s train.EpochSummary) error {
	n, err := p.GeneratePlots()
	if err != nil {
		monitoring.Logf("[monitor] epoch %d plots: %v", s.Epoch, err)
		return nil
	}
	monitoring.Logf("[monitor] wrote %d plot(s) to %s", n, p.outputDir)
	return nil
}

// GeneratePlots writes the step curve and, once an epoch has completed,
// the epoch curve. It returns how many files were written.
func (p *LossPlotter) GeneratePlots() (int, error) {
	count := 0

	steps := plot.New()
	steps.Title.Text = "Loss per step"
	steps.X.Label.Text = "Step"
	steps.Y.Label.Text = "Loss"
	var lines []interface{}
	for _, name := range p.history.Names() {
		pts := p.history.Series(name)
		if len(pts) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(pts))
		for i, pt := range pts {
			xys[i] = plotter.XY{X: float64(pt.Step), Y: pt.Value}
		}
		lines = append(lines, name, xys)
	}
	if len(lines) > 0 {
		if err := plotutil.AddLines(steps, lines...); err != nil {
			return count, fmt.Errorf("step lines: %w", err)
		}
		if err := p.save(steps, "steps"); err != nil {
			return count, err
		}
		count++
	}

	epochs := p.history.Epochs()
	if len(epochs) == 0 {
		return count, nil
	}
	ep := plot.New()
	ep.Title.Text = "Weighted loss per epoch"
	ep.X.Label.Text = "Epoch"
	ep.Y.Label.Text = "Loss"
	trainPts := make(plotter.XYs, 0, len(epochs))
	valPts := make(plotter.XYs, 0, len(epochs))
	for _, e := range epochs {
		trainPts = append(trainPts, plotter.XY{X: float64(e.Epoch), Y: e.TrainLoss})
		if e.ValExamples > 0 {
			valPts = append(valPts, plotter.XY{X: float64(e.Epoch), Y: e.ValLoss})
		}
	}
	series := []interface{}{"train", trainPts}
	if len(valPts) > 0 {
		series = append(series, "val", valPts)
	}
	if err := plotutil.AddLinePoints(ep, series...); err != nil {
		return count, fmt.Errorf("epoch lines: %w", err)
	}
	if err := p.save(ep, "epochs"); err != nil {
		return count, err
	}
	return count + 1, nil
}

func (p *LossPlotter) save(pl *plot.Plot, suffix string) error {
	pl.Legend.Top = true
	pl.Legend.Left = false
	pl.Legend.XOffs = -10
	pl.Legend.YOffs = -10

	file := filepath.Join(p.outputDir, fmt.Sprintf("%s_%s.png", p.prefix, suffix))
	if err := pl.Save(12*vg.Inch, 6*vg.Inch, file); err != nil {
		return fmt.Errorf("save %s: %w", file, err)
	}
	return nil
}
