package feed

import "gopherex.com/mdfeed/internal/quotes/kline"

// Buffer：按 open_time 严格递增的 FIFO
//
// Push 只接受比最后放入的那根更新的 K 线；水位在 Pop 后保留，
// 已经交付的 bucket 再来一次也会被丢掉。不是并发安全的，由 Feed 加锁。
type Buffer struct {
	items []kline.Record
	head  int

	lastMs  int64
	hasLast bool
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{items: make([]kline.Record, 0, capacity)}
}

// Push 返回 false 表示重复或乱序，被丢弃
func (b *Buffer) Push(r kline.Record) bool {
	ts := r.OpenTimeMs()
	if b.hasLast && ts <= b.lastMs {
		return false
	}
	b.items = append(b.items, r)
	b.lastMs, b.hasLast = ts, true
	return true
}

func (b *Buffer) Pop() (kline.Record, bool) {
	if b.head >= len(b.items) {
		return kline.Record{}, false
	}
	r := b.items[b.head]
	b.items[b.head] = kline.Record{}
	b.head++

	// 消费过半时整体前移，避免底层数组只增不减
	if b.head == len(b.items) {
		b.items, b.head = b.items[:0], 0
	} else if b.head >= 256 && b.head*2 >= len(b.items) {
		n := copy(b.items, b.items[b.head:])
		clear(b.items[n:])
		b.items, b.head = b.items[:n], 0
	}
	return r, true
}

func (b *Buffer) Len() int { return len(b.items) - b.head }

// Last 最后放入的 open_time（毫秒），包括已经 Pop 掉的
func (b *Buffer) Last() (int64, bool) { return b.lastMs, b.hasLast }

// Reset 清空队列；水位保留
func (b *Buffer) Reset() {
	clear(b.items)
	b.items, b.head = b.items[:0], 0
}
