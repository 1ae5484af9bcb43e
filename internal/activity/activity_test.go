package activity

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAppendStampsAndOrders(t *testing.T) {
	base := time.Date(2026, 10, 19, 9, 5, 7, 0, time.Local)
	tick := 0
	l := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	l.Append("Updater initialized successfully", System)
	l.Append("Update process initiated by user", User)

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Category != System || entries[1].Category != User {
		t.Fatalf("unexpected categories: %v, %v", entries[0].Category, entries[1].Category)
	}
	if got := entries[0].Formatted(); got != "[09:05:08] Updater initialized successfully" {
		t.Fatalf("Formatted = %q", got)
	}
}

func TestAppendClampsBackwardsClock(t *testing.T) {
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	l := New(WithClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	}))

	for n := 0; n < 3; n++ {
		l.Append(fmt.Sprintf("entry %d", n), Update)
	}

	entries := l.Entries()
	if !entries[1].Time.Equal(base) {
		t.Fatalf("second entry time = %v, want clamped to %v", entries[1].Time, base)
	}
	if !entries[2].Time.After(entries[1].Time) {
		t.Fatal("third entry should be after second")
	}
}

func TestConcurrentAppendPreservesOrder(t *testing.T) {
	l := New()

	var (
		mu       sync.Mutex
		observed []Entry
	)
	l.Subscribe(func(e Entry) {
		mu.Lock()
		observed = append(observed, e)
		mu.Unlock()
	})

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				l.Append(fmt.Sprintf("p%d-%d", p, i), Update)
			}
		}(p)
	}
	wg.Wait()

	entries := l.Entries()
	if len(entries) != producers*perProducer {
		t.Fatalf("len = %d, want %d", len(entries), producers*perProducer)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Time.Before(entries[i-1].Time) {
			t.Fatalf("entry %d timestamp precedes entry %d", i, i-1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != len(entries) {
		t.Fatalf("observed %d entries, log has %d", len(observed), len(entries))
	}
	for i := range entries {
		if observed[i] != entries[i] {
			t.Fatalf("observer order differs at %d: %q vs %q", i, observed[i].Message, entries[i].Message)
		}
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	l := New()
	calls := 0
	unsubscribe := l.Subscribe(func(Entry) { calls++ })

	l.Append("one", System)
	unsubscribe()
	unsubscribe()
	l.Append("two", System)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
}

func TestObserverMayReadLog(t *testing.T) {
	l := New()
	var seen int
	l.Subscribe(func(Entry) { seen = l.Len() })

	l.Append("hello", System)
	if seen != 1 {
		t.Fatalf("observer saw Len = %d, want 1", seen)
	}
}

func TestCategoryString(t *testing.T) {
	want := map[Category]string{
		System: "System", User: "User", Update: "Update",
		Warning: "Warning", Error: "Error", Success: "Success",
		Category(99): "Unknown",
	}
	for c, s := range want {
		if c.String() != s {
			t.Errorf("%d.String() = %q, want %q", int(c), c.String(), s)
		}
	}
}
