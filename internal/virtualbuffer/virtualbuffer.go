// Package virtualbuffer implements a fixed-logical-size byte buffer
// backed by on-demand blocks with LRU eviction. It is the in-memory
// resident store CachedFile mirrors a remote file into.
package virtualbuffer

import (
	"container/list"
	"errors"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/metrics"
	"github.com/caterpi11ar/rosbag-engine/internal/rangeset"
)

// ErrUnfilled is returned by Slice when the requested range is not
// fully covered by FilledRanges.
var ErrUnfilled = errors.New("virtualbuffer: range not filled")

// Buffer is a fixed-logical-size byte buffer over on-demand blocks.
// External synchronization is required: it is mutated only by its
// owning CachedFile on stream data arrival and eviction.
type Buffer struct {
	size      int64
	blockSize int64
	maxBlocks int // 0 means unbounded (single contiguous slab, no eviction)

	slabs []byte // used only when maxBlocks == 0
	have  bool   // single-slab mode active

	blocks map[int64][]byte
	lru    *list.List
	elems  map[int64]*list.Element

	filled rangeset.Set
	logger *slog.Logger
}

// New constructs a Buffer of logical size size. blockSize and maxBlocks
// must both be zero or both be set: zero means the buffer is a single
// contiguous slab and no eviction ever occurs.
func New(size, blockSize int64, maxBlocks int, logger *slog.Logger) (*Buffer, error) {
	if size < 0 {
		return nil, errors.New("virtualbuffer: negative size")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if blockSize == 0 && maxBlocks == 0 {
		return &Buffer{
			size:   size,
			have:   true,
			slabs:  make([]byte, size),
			logger: logger,
		}, nil
	}
	if blockSize <= 0 || maxBlocks <= 0 {
		return nil, errors.New("virtualbuffer: blockSize and maxBlocks must both be set or both omitted")
	}
	logger.Info("virtualbuffer allocated",
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.String("blockSize", humanize.Bytes(uint64(blockSize))),
		slog.Int("maxBlocks", maxBlocks),
	)
	return &Buffer{
		size:      size,
		blockSize: blockSize,
		maxBlocks: maxBlocks,
		blocks:    make(map[int64][]byte),
		lru:       list.New(),
		elems:     make(map[int64]*list.Element),
		logger:    logger,
	}, nil
}

// Size returns the buffer's fixed logical size.
func (b *Buffer) Size() int64 { return b.size }

func (b *Buffer) blockRange(index int64) domain.Range {
	off := index * b.blockSize
	end := off + b.blockSize
	if end > b.size {
		end = b.size
	}
	return domain.Range{Off: off, Length: end - off}
}

func (b *Buffer) blockIndexAt(off int64) int64 {
	return off / b.blockSize
}

// Write copies src into logical range [offset, offset+len(src)). A
// write crossing a block boundary is split across blocks. Touching a
// block promotes it in LRU order.
func (b *Buffer) Write(src []byte, offset int64) error {
	if offset < 0 || offset+int64(len(src)) > b.size {
		return errors.New("virtualbuffer: write out of bounds")
	}
	if len(src) == 0 {
		return nil
	}
	if b.have {
		copy(b.slabs[offset:], src)
		b.filled = b.filled.Add(domain.Range{Off: offset, Length: int64(len(src))})
		return nil
	}

	remaining := src
	pos := offset
	for len(remaining) > 0 {
		idx := b.blockIndexAt(pos)
		blkRange := b.blockRange(idx)
		slab := b.ensureBlockLocked(idx, blkRange)
		inBlockOff := pos - blkRange.Off
		n := blkRange.Length - inBlockOff
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		copy(slab[inBlockOff:], remaining[:n])
		remaining = remaining[n:]
		pos += n
	}
	b.filled = b.filled.Add(domain.Range{Off: offset, Length: int64(len(src))})
	return nil
}

// ensureBlockLocked returns the resident slab for block idx, allocating
// it (and evicting the LRU victim if at capacity) if necessary.
func (b *Buffer) ensureBlockLocked(idx int64, blkRange domain.Range) []byte {
	if slab, ok := b.blocks[idx]; ok {
		b.touch(idx)
		return slab
	}
	if len(b.blocks) >= b.maxBlocks {
		b.evictOne()
	}
	slab := make([]byte, blkRange.Length)
	b.blocks[idx] = slab
	b.elems[idx] = b.lru.PushFront(idx)
	return slab
}

func (b *Buffer) touch(idx int64) {
	if e, ok := b.elems[idx]; ok {
		b.lru.MoveToFront(e)
	}
}

// evictOne drops the least-recently-touched resident block, clearing
// its logical range from filled.
func (b *Buffer) evictOne() {
	back := b.lru.Back()
	if back == nil {
		return
	}
	idx := back.Value.(int64)
	b.lru.Remove(back)
	delete(b.elems, idx)
	delete(b.blocks, idx)
	b.filled = rangeset.Subtract(b.filled, rangeset.New(b.blockRange(idx)))
	metrics.BlocksEvictedTotal.Inc()
	b.logger.Debug("virtualbuffer evicted block", slog.Int64("block", idx))
}

// Has reports whether [start, end) is fully covered by filled data.
func (b *Buffer) Has(start, end int64) bool {
	if end <= start {
		return true
	}
	return b.filled.Contains(domain.Range{Off: start, Length: end - start})
}

// Slice returns the bytes of [start, end). Precondition: Has(start, end).
// The returned slice is always a fresh copy, never an alias of a slab,
// so it stays valid after later writes or evictions.
func (b *Buffer) Slice(start, end int64) ([]byte, error) {
	if end < start || start < 0 || end > b.size {
		return nil, errors.New("virtualbuffer: slice out of bounds")
	}
	if end == start {
		return nil, nil
	}
	if !b.Has(start, end) {
		return nil, ErrUnfilled
	}
	if b.have {
		out := make([]byte, end-start)
		copy(out, b.slabs[start:end])
		return out, nil
	}

	startIdx := b.blockIndexAt(start)
	endIdx := b.blockIndexAt(end - 1)
	if startIdx == endIdx {
		blkRange := b.blockRange(startIdx)
		slab := b.blocks[startIdx]
		b.touch(startIdx)
		lo := start - blkRange.Off
		hi := end - blkRange.Off
		// Copy rather than alias: simplest correct choice once eviction
		// can reclaim the slab a live slice points into.
		out := make([]byte, hi-lo)
		copy(out, slab[lo:hi])
		return out, nil
	}

	out := make([]byte, end-start)
	pos := start
	for pos < end {
		idx := b.blockIndexAt(pos)
		blkRange := b.blockRange(idx)
		slab := b.blocks[idx]
		b.touch(idx)
		lo := pos - blkRange.Off
		hi := blkRange.Length
		if blkRange.End() > end {
			hi = end - blkRange.Off
		}
		n := copy(out[pos-start:], slab[lo:hi])
		pos += int64(n)
	}
	return out, nil
}

// FilledRanges returns the buffer's current filled RangeSet.
func (b *Buffer) FilledRanges() rangeset.Set {
	return b.filled
}

// ResidentBlocks returns the number of currently resident blocks. Always
// zero for a single-slab buffer.
func (b *Buffer) ResidentBlocks() int {
	return len(b.blocks)
}
