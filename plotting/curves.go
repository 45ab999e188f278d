// Package plotting renders training histories as images.
package plotting

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/embedtrain/embedtrain/training"
)

// Curve selects which summary value is plotted
type Curve int

const (
	LossCurve Curve = iota
	AccuracyCurve
)

func (c Curve) String() string {
	if c == AccuracyCurve {
		return "accuracy"
	}
	return "loss"
}

func (c Curve) value(s training.IterationSummary) float64 {
	if c == AccuracyCurve {
		return s.Accuracy
	}
	return s.Loss
}

// TrainingCurves builds a plot of the training and validation curve per epoch
func TrainingCurves(history []training.EpochResult, curve Curve, title string) (*plot.Plot, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("cannot plot an empty training history")
	}

	train := make(plotter.XYs, len(history))
	validation := make(plotter.XYs, len(history))
	for i, epoch := range history {
		train[i].X = float64(epoch.Epoch)
		train[i].Y = curve.value(epoch.Training)
		validation[i].X = float64(epoch.Epoch)
		validation[i].Y = curve.value(epoch.Validation)
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = curve.String()
	p.Add(plotter.NewGrid())

	for i, series := range []struct {
		name string
		xys  plotter.XYs
	}{{"training", train}, {"validation", validation}} {
		line, err := plotter.NewLine(series.xys)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s line: %v", series.name, err)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	return p, nil
}

// SaveTrainingCurves writes the curve as an image to path on fs. The format
// follows the file extension (png, svg, pdf, ...).
func SaveTrainingCurves(fs afero.Fs, path string, history []training.EpochResult, curve Curve, title string) error {
	p, err := TrainingCurves(history, curve, title)
	if err != nil {
		return err
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		return fmt.Errorf("cannot infer image format from %q", path)
	}
	writerTo, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return fmt.Errorf("failed to render %s: %v", path, err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %v", path, err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	if _, err := writerTo.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return f.Close()
}
