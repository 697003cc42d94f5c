package handlers

import (
	"testing"
	"time"

	"github.com/yungbote/lifelog-backend/internal/domain"
)

func timelineRec(capture time.Time, segment *int) *domain.AssetRecord {
	return &domain.AssetRecord{
		Path:        domain.CanonicalRelPath(capture, ".jpg"),
		CaptureTime: capture.UnixMilli(),
		SegmentID:   segment,
	}
}

func TestTimelineGroupsNewestFirst(t *testing.T) {
	base := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	seg0, seg1 := 0, 1

	recs := []*domain.AssetRecord{
		timelineRec(base, &seg0),
		timelineRec(base.Add(time.Minute), &seg0),
		timelineRec(base.Add(10*time.Minute), &seg1),
		timelineRec(base.Add(11*time.Minute), &seg1),
		timelineRec(base.Add(5*time.Minute), nil),
	}

	groups := timelineGroups(recs)
	if len(groups) != 3 {
		t.Fatalf("groups: want=3 got=%d", len(groups))
	}
	if groups[0].SegmentID != nil {
		t.Fatalf("loose record must lead, got segment=%v", groups[0].SegmentID)
	}
	if groups[1].SegmentID == nil || *groups[1].SegmentID != seg1 {
		t.Fatalf("newest segment must come first, got=%v", groups[1].SegmentID)
	}
	if groups[2].SegmentID == nil || *groups[2].SegmentID != seg0 {
		t.Fatalf("older segment must come last, got=%v", groups[2].SegmentID)
	}
	for _, g := range groups {
		for i := 1; i < len(g.Assets); i++ {
			if g.Assets[i-1].CaptureTime < g.Assets[i].CaptureTime {
				t.Fatalf("assets inside a group must be newest first")
			}
		}
	}
}
