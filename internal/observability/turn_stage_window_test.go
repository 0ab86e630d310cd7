package observability

import (
	"testing"
	"time"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("recall", 50)
	w.Observe("recall", 70)
	w.Observe("recall", 90)
	w.ObserveIndicator("degraded_recall")
	w.ObserveIndicator("degraded_recall")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "recall" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "recall")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 90 {
		t.Fatalf("LastMS = %.2f, want 90", s.LastMS)
	}
	if s.P50MS != 70 {
		t.Fatalf("P50MS = %.2f, want 70", s.P50MS)
	}
	if s.P95MS <= 70 || s.P95MS > 90 {
		t.Fatalf("P95MS = %.2f, want (70,90]", s.P95MS)
	}
	if s.TargetP95MS != 250 {
		t.Fatalf("TargetP95MS = %.2f, want 250", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "degraded_recall" {
		t.Fatalf("Indicators[0].Name = %q", snap.Indicators[0].Name)
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestTurnStageWindowWraps(t *testing.T) {
	w := newTurnStageWindow(4)
	for i := 0; i < 10; i++ {
		w.Observe("turn_total", float64(i*100))
	}
	snap := w.Snapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Samples != 4 {
		t.Fatalf("snapshot = %+v, want 4 retained samples", snap.Stages)
	}
	if snap.Stages[0].LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", snap.Stages[0].LastMS)
	}
}

func TestMetricsTurnStagePassthrough(t *testing.T) {
	m := &Metrics{turnStages: newTurnStageWindow(8)}
	m.ObserveTurnStage("recall", 120*time.Millisecond)
	m.ObserveTurnIndicator("degraded_recall")

	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 120 {
		t.Fatalf("snapshot stages = %+v", snap.Stages)
	}

	m.ResetTurnStages()
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("reset left %d stages", len(snap.Stages))
	}
}
