package ring

import "sync/atomic"

// barrierDummy is used for atomic operations that provide memory barrier
// semantics. On x86-64, atomic.AddInt64 compiles to LOCK XADD which has full
// fence semantics.
var barrierDummy int64

// Wmb issues a write memory barrier. Descriptor payload writes must be
// globally visible before the ownership bit that publishes them.
func Wmb() {
	atomic.AddInt64(&barrierDummy, 0)
}

// Rmb issues a read memory barrier. The completion bit must be observed
// before any other field of the descriptor is read.
func Rmb() {
	atomic.AddInt64(&barrierDummy, 0)
}
