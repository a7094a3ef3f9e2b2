package store

import (
	"context"
	"testing"
	"time"

	"github.com/transitops/arrivals-proxy/internal/models"
)

func TestMemoryStore_LoadEmpty(t *testing.T) {
	st := NewMemoryStore()

	snap, ok, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if ok {
		t.Errorf("Load() ok = true on empty store, want false")
	}
	if len(snap.Arrivals) != 0 {
		t.Errorf("Load() returned %d arrivals from empty store", len(snap.Arrivals))
	}
}

func TestMemoryStore_SaveThenLoad(t *testing.T) {
	st := NewMemoryStore()
	fetchedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	want := Snapshot{
		Arrivals: []models.Arrival{
			{Station: "Astor Pl", Line: "6", Direction: "N", TrainID: "t-1", WaitSeconds: 120, Realtime: true},
		},
		FetchedAt: fetchedAt,
	}

	if err := st.Save(context.Background(), want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := st.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load() = ok=%v err=%v, want saved snapshot", ok, err)
	}
	if len(got.Arrivals) != 1 || got.Arrivals[0].TrainID != "t-1" {
		t.Errorf("Load() arrivals = %+v, want saved records", got.Arrivals)
	}
	if !got.FetchedAt.Equal(fetchedAt) {
		t.Errorf("Load() FetchedAt = %v, want %v", got.FetchedAt, fetchedAt)
	}
}

func TestMemoryStore_SaveReplacesWholeSnapshot(t *testing.T) {
	st := NewMemoryStore()
	first := Snapshot{
		Arrivals:  []models.Arrival{{TrainID: "a"}, {TrainID: "b"}},
		FetchedAt: time.Now(),
	}
	second := Snapshot{
		Arrivals:  []models.Arrival{{TrainID: "c"}},
		FetchedAt: time.Now().Add(time.Minute),
	}

	if err := st.Save(context.Background(), first); err != nil {
		t.Fatalf("Save(first) error = %v", err)
	}
	if err := st.Save(context.Background(), second); err != nil {
		t.Fatalf("Save(second) error = %v", err)
	}

	got, ok, err := st.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load() = ok=%v err=%v", ok, err)
	}
	// Replacement, never a merge.
	if len(got.Arrivals) != 1 || got.Arrivals[0].TrainID != "c" {
		t.Errorf("Load() arrivals = %+v, want only the second snapshot", got.Arrivals)
	}
}

func TestSnapshot_Age(t *testing.T) {
	fetchedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{FetchedAt: fetchedAt}

	if got := snap.Age(fetchedAt.Add(30 * time.Second)); got != 30*time.Second {
		t.Errorf("Age() = %v, want 30s", got)
	}
	if got := snap.Age(fetchedAt); got != 0 {
		t.Errorf("Age() = %v, want 0", got)
	}
}
