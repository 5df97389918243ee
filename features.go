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
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/Knetic/govaluate"
	"github.com/sirupsen/logrus"
)

// A Covariate names one covariate raster.
type Covariate struct {
	Name string
	Path string
}

// A FeatureTable holds one row per zone: the model feature columns,
// the census population, the zone pixel count, and the target
// population density. It is immutable once passed to Train.
type FeatureTable struct {
	// Columns names the model features, in order: one "<name>_avg"
	// column per covariate followed by any derived columns.
	Columns []string
	ZoneIDs []int32
	Rows    [][]float64
	// Pop is the census population per row and PixelCount the
	// number of mastergrid pixels in the zone.
	Pop        []float64
	PixelCount []float64
	// Target is the population density per row (Pop / PixelCount).
	Target []float64

	// AllStats holds the full per-covariate statistics (count, sum,
	// min, max, avg, var, std) for the feature CSV; only the _avg
	// values feed the model, because at prediction time a pixel's
	// model input is its covariate value.
	AllStats []map[int32]*ZoneStat
	covNames []string
	// derived keeps the derived-column expressions so the trained
	// model can re-evaluate them per pixel.
	derived map[string]string
}

// ExtractOptions configures feature extraction.
type ExtractOptions struct {
	// Strict makes any zone present in only one of the mastergrid
	// and census table a fatal UnmappedZoneError. In the default
	// mode, unmapped mastergrid zones are dropped with a warning and
	// census zones missing from the grid are warned about.
	Strict bool
	// Derived maps new feature column names to govaluate
	// expressions over the "<name>_avg" columns, evaluated per zone
	// here and per pixel at prediction time.
	Derived map[string]string
	Blocks  BlockOptions
	Log     logrus.FieldLogger
}

// ExtractFeatures scans the mastergrid and covariates in streaming
// blocks, accumulates per-zone statistics, joins them with the census
// table, and returns the feature table with population density as the
// target. The two-pass design (accumulate everywhere, then finalize) is
// what makes the result independent of how zones scatter across blocks.
func ExtractFeatures(ctx context.Context, master *Raster, covariates []Covariate, census *CensusTable, opts ExtractOptions) (*FeatureTable, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	covs := make([]*Raster, len(covariates))
	for i, c := range covariates {
		r, err := OpenRaster(c.Path)
		if err != nil {
			return nil, err
		}
		if err := AlignRasters(master, r); err != nil {
			return nil, err
		}
		covs[i] = r
	}

	zs, err := zonalStatistics(ctx, master, covs, opts.Blocks)
	if err != nil {
		return nil, err
	}

	// Join with the census table. Zones found in the grid but not the
	// census are dropped (or fatal under strict); census zones with no
	// grid pixels are reported either way.
	gridZones := make([]int32, 0, len(zs.PixelCount))
	for z := range zs.PixelCount {
		gridZones = append(gridZones, z)
	}
	sort.Slice(gridZones, func(i, j int) bool { return gridZones[i] < gridZones[j] })

	t := &FeatureTable{
		AllStats: zs.Stats,
		covNames: make([]string, len(covariates)),
	}
	for i, c := range covariates {
		t.covNames[i] = c.Name
		t.Columns = append(t.Columns, c.Name+"_avg")
	}

	for _, z := range gridZones {
		pop, ok := census.Pop[z]
		if !ok {
			if opts.Strict {
				return nil, &UnmappedZoneError{Zone: z, Where: "census"}
			}
			log.WithFields(logrus.Fields{"zone": z}).Warn(
				"zone in mastergrid has no census record; excluding from training")
			continue
		}
		row := make([]float64, len(covariates))
		for ci := range covariates {
			if s, ok := zs.Stats[ci][z]; ok {
				row[ci] = s.Avg()
			}
		}
		n := zs.PixelCount[z]
		t.ZoneIDs = append(t.ZoneIDs, z)
		t.Rows = append(t.Rows, row)
		t.Pop = append(t.Pop, pop)
		t.PixelCount = append(t.PixelCount, n)
		t.Target = append(t.Target, pop/n)
	}
	for _, z := range census.IDs {
		if _, ok := zs.PixelCount[z]; !ok {
			if opts.Strict {
				return nil, &UnmappedZoneError{Zone: z, Where: "mastergrid"}
			}
			log.WithFields(logrus.Fields{"zone": z}).Warn(
				"census zone has no pixels in the mastergrid")
		}
	}
	if len(t.ZoneIDs) == 0 {
		return nil, fmt.Errorf("poprf: no zones shared between mastergrid and census table")
	}

	if len(opts.Derived) > 0 {
		if err := t.addDerived(opts.Derived); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// compileDerived parses derived-feature expressions and returns them in
// deterministic (name-sorted) order.
func compileDerived(exprs map[string]string) (names []string, compiled []*govaluate.EvaluableExpression, err error) {
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)
	compiled = make([]*govaluate.EvaluableExpression, len(names))
	for i, name := range names {
		e, err := govaluate.NewEvaluableExpression(exprs[name])
		if err != nil {
			return nil, nil, fmt.Errorf("poprf: derived feature %s: %w", name, err)
		}
		compiled[i] = e
	}
	return names, compiled, nil
}

// evalDerived evaluates one compiled expression against the named base
// feature values.
func evalDerived(e *govaluate.EvaluableExpression, name string, cols []string, base []float64) (float64, error) {
	params := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		params[c] = base[i]
	}
	v, err := e.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("poprf: derived feature %s: %w", name, err)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("poprf: derived feature %s: expression is not numeric", name)
	}
	return f, nil
}

func (t *FeatureTable) addDerived(exprs map[string]string) error {
	names, compiled, err := compileDerived(exprs)
	if err != nil {
		return err
	}
	baseCols := make([]string, len(t.Columns))
	copy(baseCols, t.Columns)
	t.derived = make(map[string]string, len(exprs))
	for name, e := range exprs {
		t.derived[name] = e
	}
	for i, name := range names {
		for ri := range t.Rows {
			v, err := evalDerived(compiled[i], name, baseCols, t.Rows[ri][:len(baseCols)])
			if err != nil {
				return err
			}
			t.Rows[ri] = append(t.Rows[ri], v)
		}
		t.Columns = append(t.Columns, name)
	}
	return nil
}

// WriteCSV writes the full feature table, including the non-model
// per-covariate statistics, in zone order.
func (t *FeatureTable) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"id"}
	for _, name := range t.covNames {
		for _, s := range []string{"count", "sum", "min", "max", "avg", "var", "std"} {
			header = append(header, name+"_"+s)
		}
	}
	header = append(header, t.Columns[len(t.covNames):]...) // derived columns
	header = append(header, "px_count", "pop", "dens")
	if err := cw.Write(header); err != nil {
		return err
	}

	ffmt := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for ri, z := range t.ZoneIDs {
		row := []string{strconv.FormatInt(int64(z), 10)}
		for ci := range t.covNames {
			s := t.AllStats[ci][z]
			if s == nil {
				s = newZoneStat()
				s.Min, s.Max = 0, 0
			}
			row = append(row, ffmt(s.Count), ffmt(s.Sum), ffmt(s.Min), ffmt(s.Max),
				ffmt(s.Avg()), ffmt(s.Var()), ffmt(s.Std()))
		}
		for di := len(t.covNames); di < len(t.Columns); di++ {
			row = append(row, ffmt(t.Rows[ri][di]))
		}
		row = append(row, ffmt(t.PixelCount[ri]), ffmt(t.Pop[ri]), ffmt(t.Target[ri]))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
