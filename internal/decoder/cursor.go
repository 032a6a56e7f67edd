package decoder

import (
	"context"
	"sort"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

// mergeCursor k-way merges each selected topic's (already time-sorted)
// entry slice into one cursor walking in non-decreasing (forward) or
// non-increasing (reverse) ReceiveTime order.
type mergeCursor struct {
	source  ByteSource
	entries [][]recordEntry // one slice per topic, positioned at the next candidate
	pos     []int           // current index into entries[i]
	schemas map[string]domain.Schema
	reverse bool
	closed  bool
}

var _ ports.RecordCursor = (*mergeCursor)(nil)

func newMergeCursor(source ByteSource, idx *recordIndex, topics []string, from domain.Time, reverse bool) *mergeCursor {
	c := &mergeCursor{source: source, reverse: reverse, schemas: make(map[string]domain.Schema, len(idx.topics))}
	for _, t := range idx.topics {
		c.schemas[t.Name] = t.Schema
	}
	for _, topic := range topics {
		rows := idx.byTopic[topic]
		var start int
		if reverse {
			// last index with time <= from
			start = sort.Search(len(rows), func(i int) bool { return rows[i].time.After(from) }) - 1
		} else {
			// first index with time >= from
			start = sort.Search(len(rows), func(i int) bool { return !rows[i].time.Before(from) })
		}
		c.entries = append(c.entries, rows)
		c.pos = append(c.pos, start)
	}
	return c
}

// Next returns the next record in merge order across all selected
// topics, or ok=false once every topic's range is exhausted.
func (c *mergeCursor) Next(ctx context.Context) (domain.Message, int64, bool, error) {
	if c.closed {
		return domain.Message{}, 0, false, nil
	}
	best := -1
	for i, rows := range c.entries {
		p := c.pos[i]
		if p < 0 || p >= len(rows) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		if c.reverse {
			if rows[p].time.After(c.entries[best][c.pos[best]].time) {
				best = i
			}
		} else {
			if rows[p].time.Before(c.entries[best][c.pos[best]].time) {
				best = i
			}
		}
	}
	if best == -1 {
		return domain.Message{}, 0, false, nil
	}
	entry := c.entries[best][c.pos[best]]
	if c.reverse {
		c.pos[best]--
	} else {
		c.pos[best]++
	}

	payload, err := c.source.Read(ctx, entry.offset, int64(entry.length))
	if err != nil {
		return domain.Message{}, 0, false, err
	}
	msg := domain.Message{
		Topic:       entry.topic,
		ReceiveTime: entry.time,
		SizeBytes:   int64(entry.length),
		Payload:     payload,
		Schema:      c.schemas[entry.topic],
	}
	return msg, entry.offset, true, nil
}

func (c *mergeCursor) Close() error {
	c.closed = true
	return nil
}
