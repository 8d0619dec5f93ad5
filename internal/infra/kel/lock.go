package kel

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLock serialises work per key without growing with the number of keys.
// Distinct keys may share a stripe, which only costs parallelism.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
