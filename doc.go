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

// Package poprf predicts high-resolution population distributions by
// combining coarse census totals with raster covariates. An
// ensemble-tree regressor trained on zonal covariate statistics
// produces a per-pixel density surface, and a mass-preserving
// dasymetric redistribution spreads each zone's census population over
// its pixels in proportion to that surface. Large rasters are
// processed in rectangular blocks on a bounded worker pool, so memory
// use scales with block size and worker count rather than raster size.
package poprf
