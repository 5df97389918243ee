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

import "fmt"

// GeometryMismatchError reports a raster whose grid geometry disagrees
// with the mastergrid. It is returned by pre-flight validation before
// any heavy computation begins.
type GeometryMismatchError struct {
	// Path is the file whose geometry disagrees.
	Path string
	// Attribute is the mismatched geometry attribute
	// (width, height, x0, y0, dx, dy, or proj).
	Attribute string
	Got, Want string
}

func (e *GeometryMismatchError) Error() string {
	return fmt.Sprintf("poprf: %s: %s mismatch with mastergrid: got %s, want %s",
		e.Path, e.Attribute, e.Got, e.Want)
}

// UnmappedZoneError reports a zone identifier present on one side of the
// mastergrid/census join but not the other. In default mode unmapped
// mastergrid zones are only a warning; under strict zone checking the
// error is fatal.
type UnmappedZoneError struct {
	Zone int32
	// Where names the side the zone is missing from,
	// either "census" or "mastergrid".
	Where string
}

func (e *UnmappedZoneError) Error() string {
	return fmt.Sprintf("poprf: zone %d is not present in the %s", e.Zone, e.Where)
}

// InsufficientDataError is returned by Train when there are too few
// zones to fit and validate a model.
type InsufficientDataError struct {
	Zones, Minimum int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("poprf: %d zones available for training but at least %d are required",
		e.Zones, e.Minimum)
}

// ProportionSumError reports an age-sex group row whose shares neither
// sum to one nor to the zone's census total within tolerance.
type ProportionSumError struct {
	Zone int32
	Sum  float64
}

func (e *ProportionSumError) Error() string {
	return fmt.Sprintf("poprf: age-sex proportions for zone %d sum to %g, not 1", e.Zone, e.Sum)
}

// BlockProcessingError reports a worker failure on a single raster
// block. It aborts the stage that produced it; completed artifacts from
// earlier stages are kept.
type BlockProcessingError struct {
	Block Block
	Err   error
}

func (e *BlockProcessingError) Error() string {
	return fmt.Sprintf("poprf: processing block %dx%d at (%d,%d): %v",
		e.Block.Nx, e.Block.Ny, e.Block.X0, e.Block.Y0, e.Err)
}

func (e *BlockProcessingError) Unwrap() error { return e.Err }

// ZeroEligibleZoneError is returned during redistribution when a zone
// has no eligible pixels left after masking and the configured policy
// is "error".
type ZeroEligibleZoneError struct {
	Zone       int32
	Population float64
}

func (e *ZeroEligibleZoneError) Error() string {
	return fmt.Sprintf("poprf: zone %d has no eligible pixels to receive its population of %g",
		e.Zone, e.Population)
}
