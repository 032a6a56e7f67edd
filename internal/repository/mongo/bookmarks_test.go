package mongo

import (
	"testing"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

func TestBookmarkDocToBookmark(t *testing.T) {
	doc := bookmarkDoc{
		ID:            "rec-1",
		CurrentSec:    42,
		CurrentNsec:   500,
		Subscriptions: map[string]string{"/a": "full", "/b": "partial"},
		Speed:         2.5,
	}

	bm := bookmarkDocToBookmark(doc)

	if bm.Identifier != "rec-1" {
		t.Errorf("Identifier: got %q, want rec-1", bm.Identifier)
	}
	if bm.CurrentTime != (domain.Time{Sec: 42, Nsec: 500}) {
		t.Errorf("CurrentTime: got %v, want {42 500}", bm.CurrentTime)
	}
	if bm.Speed != 2.5 {
		t.Errorf("Speed: got %v, want 2.5", bm.Speed)
	}
	if bm.Subscriptions["/a"] != domain.PreloadFull || bm.Subscriptions["/b"] != domain.PreloadPartial {
		t.Errorf("Subscriptions: got %v", bm.Subscriptions)
	}
}

func TestBookmarkDocToBookmarkEmptySubscriptions(t *testing.T) {
	bm := bookmarkDocToBookmark(bookmarkDoc{ID: "rec-2"})
	if len(bm.Subscriptions) != 0 {
		t.Errorf("expected no subscriptions, got %v", bm.Subscriptions)
	}
}
