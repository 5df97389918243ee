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
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestBlocksPartition(t *testing.T) {
	g := testGeometry(32, 48)
	blocks := g.Blocks(10, 7)

	covered := make([]int, g.Nx*g.Ny)
	for _, b := range blocks {
		if b.Nx < 1 || b.Ny < 1 || b.Nx > 10 || b.Ny > 7 {
			t.Fatalf("block %+v out of bounds", b)
		}
		for j := 0; j < b.Ny; j++ {
			for i := 0; i < b.Nx; i++ {
				covered[(b.Y0+j)*g.Nx+b.X0+i]++
			}
		}
	}
	for i, n := range covered {
		if n != 1 {
			t.Fatalf("pixel %d covered %d times", i, n)
		}
	}
}

func TestBlocksDisabled(t *testing.T) {
	g := testGeometry(32, 48)
	blocks := g.Blocks(0, 0)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if b := blocks[0]; b.Nx != g.Nx || b.Ny != g.Ny || b.X0 != 0 || b.Y0 != 0 {
		t.Errorf("whole-grid block is %+v", b)
	}
}

func TestEachBlockVisitsAll(t *testing.T) {
	g := testGeometry(16, 16)
	blocks := g.Blocks(5, 5)
	var mu sync.Mutex
	seen := make(map[Block]int)
	err := eachBlock(context.Background(), blocks, BlockOptions{MaxWorkers: 3}, func(worker int, b Block) error {
		mu.Lock()
		seen[b]++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != len(blocks) {
		t.Fatalf("visited %d of %d blocks", len(seen), len(blocks))
	}
	for b, n := range seen {
		if n != 1 {
			t.Errorf("block %+v visited %d times", b, n)
		}
	}
}

func TestEachBlockStriding(t *testing.T) {
	// Worker assignment must depend only on the worker count, so that
	// per-worker accumulation is reproducible run to run.
	g := testGeometry(20, 20)
	blocks := g.Blocks(4, 4)
	assign := func() map[int][]Block {
		var mu sync.Mutex
		m := make(map[int][]Block)
		if err := eachBlock(context.Background(), blocks, BlockOptions{MaxWorkers: 4}, func(worker int, b Block) error {
			mu.Lock()
			m[worker] = append(m[worker], b)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return m
	}
	a, b := assign(), assign()
	for w := 0; w < 4; w++ {
		if fmt.Sprint(a[w]) != fmt.Sprint(b[w]) {
			t.Fatalf("worker %d assignment differs between runs:\n%v\n%v", w, a[w], b[w])
		}
	}
}

func TestEachBlockError(t *testing.T) {
	g := testGeometry(12, 12)
	blocks := g.Blocks(4, 4)
	boom := errors.New("boom")
	err := eachBlock(context.Background(), blocks, BlockOptions{MaxWorkers: 2}, func(worker int, b Block) error {
		if b.X0 == 4 && b.Y0 == 4 {
			return boom
		}
		return nil
	})
	var bpe *BlockProcessingError
	if !errors.As(err, &bpe) {
		t.Fatalf("got %v, want BlockProcessingError", err)
	}
	if !errors.Is(err, boom) {
		t.Error("wrapped cause lost")
	}
	if bpe.Block.X0 != 4 || bpe.Block.Y0 != 4 {
		t.Errorf("reported block %+v, want the failing one", bpe.Block)
	}
}

func TestEachBlockCancellation(t *testing.T) {
	g := testGeometry(16, 16)
	blocks := g.Blocks(2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var n int
	err := eachBlock(ctx, blocks, BlockOptions{MaxWorkers: 2}, func(worker int, b Block) error {
		mu.Lock()
		n++
		if n == 3 {
			cancel()
		}
		mu.Unlock()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if n == len(blocks) {
		t.Error("cancellation did not stop block processing early")
	}
}

func TestEachBlockProgress(t *testing.T) {
	g := testGeometry(8, 8)
	blocks := g.Blocks(4, 4)
	var calls []int
	err := eachBlock(context.Background(), blocks, BlockOptions{
		MaxWorkers: 1,
		EveryBlock: func(done, total int) {
			if total != len(blocks) {
				t.Errorf("total %d, want %d", total, len(blocks))
			}
			calls = append(calls, done)
		},
	}, func(worker int, b Block) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != len(blocks) || calls[len(calls)-1] != len(blocks) {
		t.Errorf("progress calls %v", calls)
	}
}
