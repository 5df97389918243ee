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
	"runtime"
	"sync"
	"sync/atomic"
)

// A Block is a rectangular sub-region of the raster domain, the unit of
// parallel and memory-bounded processing. X0, Y0 index the upper-left
// pixel; Nx, Ny are the block dimensions in pixels.
type Block struct {
	X0, Y0 int
	Nx, Ny int
}

// Blocks partitions the grid into non-overlapping blocks of at most
// w×h pixels, in row-major order. Edge blocks are truncated to the
// raster bounds. w or h < 1 yields a single block covering the whole
// grid.
func (g Geometry) Blocks(w, h int) []Block {
	if w < 1 || h < 1 {
		return []Block{{X0: 0, Y0: 0, Nx: g.Nx, Ny: g.Ny}}
	}
	var blocks []Block
	for y := 0; y < g.Ny; y += h {
		ny := h
		if y+ny > g.Ny {
			ny = g.Ny - y
		}
		for x := 0; x < g.Nx; x += w {
			nx := w
			if x+nx > g.Nx {
				nx = g.Nx - x
			}
			blocks = append(blocks, Block{X0: x, Y0: y, Nx: nx, Ny: ny})
		}
	}
	return blocks
}

// BlockOptions configures block-parallel execution.
type BlockOptions struct {
	// BlockW and BlockH are the block dimensions in pixels. Values
	// < 1 disable tiling (one block for the whole raster).
	BlockW, BlockH int
	// MaxWorkers bounds the worker pool. Values < 1 use GOMAXPROCS.
	MaxWorkers int
	// EveryBlock, if non-nil, is called after each block completes
	// with the number of completed and total blocks. Calls are
	// serialized.
	EveryBlock func(done, total int)
}

func (o BlockOptions) workers() int {
	if o.MaxWorkers < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return o.MaxWorkers
}

// eachBlock runs fn once per block on a bounded pool of workers.
// Blocks are assigned to workers by striding, so the set of blocks each
// worker handles depends only on the worker count, keeping per-worker
// accumulation order deterministic. Cancellation is polled between
// blocks. The first failing block (in block order) determines the
// returned error; it is wrapped in a BlockProcessingError unless it is
// a cancellation.
func eachBlock(ctx context.Context, blocks []Block, opts BlockOptions, fn func(worker int, b Block) error) error {
	nworkers := opts.workers()
	if nworkers > len(blocks) {
		nworkers = len(blocks)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstIdx = len(blocks)
		firstErr error
		done     int64
		failed   atomic.Bool
	)
	wg.Add(nworkers)
	for w := 0; w < nworkers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(blocks); i += nworkers {
				if failed.Load() {
					return
				}
				if err := ctx.Err(); err != nil {
					failed.Store(true)
					mu.Lock()
					if i < firstIdx {
						firstIdx, firstErr = i, err
					}
					mu.Unlock()
					return
				}
				if err := fn(w, blocks[i]); err != nil {
					failed.Store(true)
					mu.Lock()
					if i < firstIdx {
						firstIdx, firstErr = i, &BlockProcessingError{Block: blocks[i], Err: err}
					}
					mu.Unlock()
					return
				}
				if opts.EveryBlock != nil {
					mu.Lock()
					done++
					opts.EveryBlock(int(done), len(blocks))
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	return firstErr
}
