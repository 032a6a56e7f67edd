package domain

// Range is a half-open byte interval [Off, Off+Length).
type Range struct {
	Off    int64
	Length int64
}

// End returns the exclusive end offset of r.
func (r Range) End() int64 {
	return r.Off + r.Length
}

// Empty reports whether r covers no bytes.
func (r Range) Empty() bool {
	return r.Length <= 0
}

// Contains reports whether o lies within r.
func (r Range) Contains(o Range) bool {
	if o.Empty() {
		return true
	}
	return o.Off >= r.Off && o.End() <= r.End()
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Off < o.End() && o.Off < r.End()
}

// Touches reports whether r and o are adjacent (no gap, no overlap).
func (r Range) Touches(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.End() == o.Off || o.End() == r.Off
}
