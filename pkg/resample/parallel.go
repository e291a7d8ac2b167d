package resample

import (
	"runtime"
	"sync"
)

// ForEachSlab splits the z range [0, depth) into contiguous slabs and calls fn
// for each slab on its own goroutine. Worker w always receives the w-th slab,
// so per-worker partial results can be reduced in a fixed order. A workers
// value <= 0 uses one worker per CPU. It returns the number of slabs used.
func ForEachSlab(depth, workers int, fn func(worker, z0, z1 int)) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > depth {
		workers = depth
	}
	if workers <= 1 {
		fn(0, 0, depth)
		return 1
	}

	var wg sync.WaitGroup
	per := (depth + workers - 1) / workers
	n := 0
	for z0 := 0; z0 < depth; z0 += per {
		z1 := z0 + per
		if z1 > depth {
			z1 = depth
		}
		wg.Add(1)
		go func(w, z0, z1 int) {
			defer wg.Done()
			fn(w, z0, z1)
		}(n, z0, z1)
		n++
	}
	wg.Wait()
	return n
}
