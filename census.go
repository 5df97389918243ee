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
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tealeg/xlsx"
)

// A CensusTable maps zone identifiers to population counts. IDs holds
// the zones in file order.
type CensusTable struct {
	IDColumn, PopColumn string
	IDs                 []int32
	Pop                 map[int32]float64
}

// Total returns the summed population over all zones.
func (c *CensusTable) Total() float64 {
	var t float64
	for _, id := range c.IDs {
		t += c.Pop[id]
	}
	return t
}

// readTable reads a delimited or spreadsheet table as rows of strings,
// choosing the parser by file extension (.csv or .xlsx).
func readTable(path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("poprf: opening table: %w", err)
		}
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("poprf: %s: parsing CSV: %w", path, err)
		}
		return rows, nil
	case ".xlsx":
		f, err := xlsx.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("poprf: %s: parsing XLSX: %w", path, err)
		}
		if len(f.Sheets) == 0 {
			return nil, fmt.Errorf("poprf: %s: workbook has no sheets", path)
		}
		var rows [][]string
		for _, r := range f.Sheets[0].Rows {
			row := make([]string, len(r.Cells))
			for i, c := range r.Cells {
				row[i] = c.String()
			}
			rows = append(rows, row)
		}
		return rows, nil
	default:
		return nil, fmt.Errorf("poprf: %s: unsupported table format %q", path, filepath.Ext(path))
	}
}

func columnIndex(header []string, name string) (int, error) {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found (have %s)", name, strings.Join(header, ", "))
}

// blankRow reports whether every cell in row is empty. Spreadsheet
// editors leave empty trailing rows behind, and tealeg/xlsx returns
// them with zero cells.
func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ReadCensusTable loads a census table from a CSV or XLSX file. The id
// column must hold unique integer zone identifiers and the population
// column non-negative counts.
func ReadCensusTable(path, idColumn, popColumn string) (*CensusTable, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("poprf: %s: census table has no data rows", path)
	}
	idIdx, err := columnIndex(rows[0], idColumn)
	if err != nil {
		return nil, fmt.Errorf("poprf: %s: %w", path, err)
	}
	popIdx, err := columnIndex(rows[0], popColumn)
	if err != nil {
		return nil, fmt.Errorf("poprf: %s: %w", path, err)
	}

	c := &CensusTable{
		IDColumn:  idColumn,
		PopColumn: popColumn,
		Pop:       make(map[int32]float64, len(rows)-1),
	}
	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		if len(row) <= idIdx || len(row) <= popIdx {
			return nil, fmt.Errorf("poprf: %s: row %d has %d columns, want at least %d",
				path, i+2, len(row), max(idIdx, popIdx)+1)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[idIdx]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("poprf: %s: row %d: invalid zone id %q", path, i+2, row[idIdx])
		}
		pop, err := strconv.ParseFloat(strings.TrimSpace(row[popIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("poprf: %s: row %d: invalid population %q", path, i+2, row[popIdx])
		}
		if pop < 0 {
			return nil, fmt.Errorf("poprf: %s: zone %d has negative population %g", path, id, pop)
		}
		if _, dup := c.Pop[int32(id)]; dup {
			return nil, fmt.Errorf("poprf: %s: duplicate zone id %d", path, id)
		}
		c.IDs = append(c.IDs, int32(id))
		c.Pop[int32(id)] = pop
	}
	if c.Total() <= 0 {
		return nil, fmt.Errorf("poprf: %s: total population must be greater than 0", path)
	}
	return c, nil
}

// agesexColumn matches group column names following the sex+age-band
// convention: one letter for sex followed by the age band, e.g. m0,
// f15, m80plus.
var agesexColumn = regexp.MustCompile(`^[mf][0-9]+[a-z]*$`)

// An AgeSexTable holds, for each zone, the value of each age-sex group.
// Values may be proportions summing to one per zone, or counts summing
// to the zone's census total; Proportions resolves which.
type AgeSexTable struct {
	Groups []string
	IDs    []int32
	Values map[int32][]float64
}

// ReadAgeSexTable loads an age-sex table from a CSV or XLSX file. All
// columns other than the id column that follow the sex+age-band naming
// convention are treated as groups.
func ReadAgeSexTable(path, idColumn string) (*AgeSexTable, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("poprf: %s: age-sex table has no data rows", path)
	}
	idIdx, err := columnIndex(rows[0], idColumn)
	if err != nil {
		return nil, fmt.Errorf("poprf: %s: %w", path, err)
	}

	t := &AgeSexTable{Values: make(map[int32][]float64, len(rows)-1)}
	var groupIdx []int
	for i, h := range rows[0] {
		h = strings.TrimSpace(h)
		if i != idIdx && agesexColumn.MatchString(h) {
			t.Groups = append(t.Groups, h)
			groupIdx = append(groupIdx, i)
		}
	}
	if len(t.Groups) == 0 {
		return nil, fmt.Errorf("poprf: %s: no age-sex group columns found (expected names like m0, f15)", path)
	}

	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		if len(row) <= idIdx {
			return nil, fmt.Errorf("poprf: %s: row %d has %d columns, want at least %d",
				path, i+2, len(row), idIdx+1)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[idIdx]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("poprf: %s: row %d: invalid zone id %q", path, i+2, row[idIdx])
		}
		vals := make([]float64, len(groupIdx))
		for k, gi := range groupIdx {
			if gi >= len(row) {
				return nil, fmt.Errorf("poprf: %s: row %d is missing column %s", path, i+2, t.Groups[k])
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[gi]), 64)
			if err != nil {
				return nil, fmt.Errorf("poprf: %s: row %d: invalid value %q in column %s",
					path, i+2, row[gi], t.Groups[k])
			}
			if v < 0 {
				return nil, fmt.Errorf("poprf: %s: zone %d: negative value in column %s", path, id, t.Groups[k])
			}
			vals[k] = v
		}
		t.IDs = append(t.IDs, int32(id))
		t.Values[int32(id)] = vals
	}
	if len(t.IDs) == 0 {
		return nil, fmt.Errorf("poprf: %s: age-sex table has no data rows", path)
	}
	return t, nil
}

// proportionTolerance is the relative tolerance used when checking
// that group shares sum to one or that group counts sum to the zone
// total.
const proportionTolerance = 1e-6

// Proportions returns each group's share of the zone total for zone id.
// Row values that sum to one (within tolerance) are used as shares
// directly; otherwise they are treated as counts and must sum to the
// zone's census population pop within tolerance, or a
// ProportionSumError results.
func (t *AgeSexTable) Proportions(id int32, pop float64) ([]float64, error) {
	vals, ok := t.Values[id]
	if !ok {
		return nil, &UnmappedZoneError{Zone: id, Where: "age-sex table"}
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	switch {
	case absDiff(sum, 1) <= proportionTolerance:
		out := make([]float64, len(vals))
		copy(out, vals)
		return out, nil
	case pop > 0 && absDiff(sum, pop) <= proportionTolerance*pop:
		out := make([]float64, len(vals))
		for i, v := range vals {
			out[i] = v / sum
		}
		return out, nil
	default:
		return nil, &ProportionSumError{Zone: id, Sum: sum}
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
