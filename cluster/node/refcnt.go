package node

import "sync/atomic"

func addRefcnt(p *int32, delta int32) {
	atomic.AddInt32(p, delta)
}

func loadRefcnt(p *int32) int32 {
	return atomic.LoadInt32(p)
}
