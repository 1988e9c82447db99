package anchorlist

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/g960059/gsrfinder/internal/anchor"
)

// Record is one anchor the render loop should draw.
type Record struct {
	Anchor    anchor.Anchor
	Transform mgl64.Mat4
	// Visible is true when the anchor was tracking on the last update.
	Visible bool
}

// List holds anchors in insertion order; indices stay stable until Clear.
type List struct {
	mu      sync.Mutex
	records []Record
}

func New() *List {
	return &List{}
}

// Add appends a, returning its index, or -1 for a nil anchor.
func (l *List) Add(a anchor.Anchor) int {
	if a == nil {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, Record{Anchor: a, Transform: mgl64.Ident4()})
	return len(l.records) - 1
}

// UpdateTracking refreshes transforms from the anchors that are tracking.
// Anchors that lost tracking keep their last transform but are hidden.
func (l *List) UpdateTracking() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.records {
		rec := &l.records[i]
		if rec.Anchor.TrackingState() != anchor.Tracking {
			rec.Visible = false
			continue
		}
		rec.Transform = rec.Anchor.Pose()
		rec.Visible = true
	}
}

func (l *List) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Clear detaches every anchor and empties the list.
func (l *List) Clear() {
	l.mu.Lock()
	records := l.records
	l.records = nil
	l.mu.Unlock()
	for _, rec := range records {
		rec.Anchor.Detach()
	}
}
