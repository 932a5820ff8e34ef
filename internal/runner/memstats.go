package runner

import "runtime"

// readMemAlloc reports current heap allocation, used to record the
// memory delta each iteration per spec §4.8 step 5.
func readMemAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
