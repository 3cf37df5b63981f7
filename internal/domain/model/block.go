package model

import "time"

// BlockInfo is the height/time pair of a single block. A zero Time means the
// explorer returned the block without a timestamp.
type BlockInfo struct {
	Height int64
	Time   time.Time
}

func (b BlockInfo) HasTime() bool {
	return !b.Time.IsZero()
}

// BlockRange is the inclusive block span scanned for one run.
type BlockRange struct {
	FromBlock int64
	ToBlock   int64
	Start     time.Time
	End       time.Time
}

// Clamp forces 0 <= FromBlock <= ToBlock <= head.
func (r BlockRange) Clamp(head int64) BlockRange {
	if head < 0 {
		head = 0
	}
	r.FromBlock = clampHeight(r.FromBlock, head)
	r.ToBlock = clampHeight(r.ToBlock, head)
	if r.FromBlock > r.ToBlock {
		r.FromBlock = r.ToBlock
	}
	return r
}

func clampHeight(h, head int64) int64 {
	if h < 0 {
		return 0
	}
	if h > head {
		return head
	}
	return h
}
