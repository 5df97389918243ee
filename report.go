/*
Copyright © 2026 the PopRF authors.
This file is part of PopRF.

PopRF is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

PopRF is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with PopRF.  If not, see <http://www.gnu.org/licenses/>.
*/

package poprf

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WriteDiagnostics writes the training diagnostics for m into dir: a
// feature importance table (feature_importance.csv) and an
// observed-vs-predicted density scatter plot (model_fit.png) over the
// zones in t. The scatter is drawn in the model's training space, so
// log-transformed models plot log density.
func WriteDiagnostics(m *Model, t *FeatureTable, dir string) error {
	path := filepath.Join(dir, "feature_importance.csv")
	if err := os.WriteFile(path, []byte(m.ImportanceCSV()), 0644); err != nil {
		return fmt.Errorf("poprf: writing feature importances: %v", err)
	}

	pts := make(plotter.XYs, 0, len(t.Rows))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, row := range t.Rows {
		obs := t.Target[i]
		if m.LogTransform {
			obs = math.Log(obs + 0.1)
		}
		if math.IsNaN(obs) || math.IsInf(obs, 0) {
			continue
		}
		x, ok := m.featureVector(t, row)
		if !ok {
			continue
		}
		pred := m.Forest.predict(m.Scaler.Transform(x))
		pts = append(pts, plotter.XY{X: obs, Y: pred})
		lo = math.Min(lo, math.Min(obs, pred))
		hi = math.Max(hi, math.Max(obs, pred))
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("model fit (R² = %.3f)", m.R2)
	p.X.Label.Text = "observed density"
	p.Y.Label.Text = "predicted density"
	if m.LogTransform {
		p.X.Label.Text = "observed log density"
		p.Y.Label.Text = "predicted log density"
	}

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("poprf: creating scatter plot: %v", err)
	}
	s.GlyphStyle.Radius = vg.Points(2)
	one := plotter.XYs{{X: lo, Y: lo}, {X: hi, Y: hi}}
	line, err := plotter.NewLine(one)
	if err != nil {
		return fmt.Errorf("poprf: creating 1:1 line: %v", err)
	}
	p.Add(s, line)

	if err := p.Save(5*vg.Inch, 5*vg.Inch, filepath.Join(dir, "model_fit.png")); err != nil {
		return fmt.Errorf("poprf: saving fit plot: %v", err)
	}
	return nil
}

// featureVector assembles the model's feature vector from one feature
// table row, honoring whatever selection Train applied. The second
// return is false when a model feature is missing from the table.
func (m *Model) featureVector(t *FeatureTable, row []float64) ([]float64, bool) {
	x := make([]float64, len(m.Features))
	for j, name := range m.Features {
		found := false
		for c, col := range t.Columns {
			if col == name {
				x[j] = row[c]
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return x, true
}
