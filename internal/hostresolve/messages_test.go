package hostresolve

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/g960059/gsrfinder/internal/model"
)

func texts(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestRingKeepsNewest(t *testing.T) {
	r := NewRing(3)
	if got := r.Recent(0); len(got) != 0 {
		t.Fatalf("expected empty ring, got %v", got)
	}
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Notify(model.Message{Text: s})
	}
	if diff := cmp.Diff([]string{"c", "d", "e"}, texts(r.Recent(0))); diff != "" {
		t.Fatalf("recent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"d", "e"}, texts(r.Recent(2))); diff != "" {
		t.Fatalf("recent(2) mismatch (-want +got):\n%s", diff)
	}
}

func TestRingCurrentAndDismiss(t *testing.T) {
	r := NewRing(0)
	r.Notify(model.Message{Text: "first"})
	r.Notify(model.Message{Level: model.MessageError, Text: "second"})
	cur, ok := r.Current()
	if !ok || cur.Text != "second" {
		t.Fatalf("unexpected current message: %+v %v", cur, ok)
	}
	r.Dismiss()
	if _, ok := r.Current(); ok {
		t.Fatalf("expected no current message after dismiss")
	}
	if got := len(r.Recent(0)); got != 2 {
		t.Fatalf("dismiss should keep history, got %d messages", got)
	}
}
