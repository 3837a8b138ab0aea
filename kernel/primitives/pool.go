package primitives

import "sync"

// scratchSlicePool holds reusable []string scratch buffers for primitives
// that build up a result incrementally before copying it into the
// fresh, unshared map a handler returns. Pooling only the scratch buffer
// — never the returned map itself — keeps the pool safe even though
// results escape into long-lived VM memory.
var scratchSlicePool = sync.Pool{
	New: func() any { return make([]string, 0, 16) },
}

func getScratchSlice() []string {
	return scratchSlicePool.Get().([]string)[:0]
}

func putScratchSlice(s []string) {
	scratchSlicePool.Put(s)
}
