package poolstate

import (
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()

	// Swap in the test store and restore the previous one after the test.
	prev := active
	UseStore(ms)
	defer UseStore(prev)

	if got := Get().Status; got != "starting" {
		t.Fatalf("initial status = %q; want %q", got, "starting")
	}

	SetStatus("ready")
	SetPool(8, 8, 3)
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	SetLastScale(when)

	st := Get()
	if st.Status != "ready" {
		t.Fatalf("status = %q; want %q", st.Status, "ready")
	}
	if st.Target != 8 || st.Live != 8 || st.Busy != 3 {
		t.Fatalf("pool = %d/%d/%d; want 8/8/3", st.Target, st.Live, st.Busy)
	}
	if !st.LastScale.Equal(when) {
		t.Fatalf("last scale = %v; want %v", st.LastScale, when)
	}
}
