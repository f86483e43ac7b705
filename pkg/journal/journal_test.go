package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/buyve/rpcgate/pkg/endpoints"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)

	base := time.Now().Add(-time.Minute)
	events := []Event{
		{Endpoint: "https://a.example", Blocked: true, FailureType: endpoints.FailureRateLimit, At: base},
		{Endpoint: "https://b.example", Blocked: true, FailureType: endpoints.FailureTimeout, At: base.Add(time.Second)},
		{Endpoint: "https://a.example", Blocked: false, At: base.Add(2 * time.Second)},
	}
	for _, ev := range events {
		if err := j.Record(ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	// Newest first.
	if got[0].Endpoint != "https://a.example" || got[0].Blocked {
		t.Errorf("newest event = %+v, want recovery of https://a.example", got[0])
	}
	if got[2].FailureType != endpoints.FailureRateLimit {
		t.Errorf("oldest event failure type = %s, want %s", got[2].FailureType, endpoints.FailureRateLimit)
	}
}

func TestJournalRecentLimit(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 20; i++ {
		if err := j.Record(Event{Endpoint: "https://a.example", Blocked: true}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("got %d events, want 5", len(got))
	}
}

func TestJournalTrimsOldest(t *testing.T) {
	j := openTestJournal(t)
	j.max = 10

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 25; i++ {
		ev := Event{Endpoint: "https://a.example", Blocked: i%2 == 0, At: base.Add(time.Duration(i) * time.Second)}
		if err := j.Record(ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d events after trim, want 10", len(got))
	}
	// The newest entry survives the trim.
	if want := base.Add(24 * time.Second); !got[0].At.Equal(want) {
		t.Errorf("newest event at %v, want %v", got[0].At, want)
	}
}

func TestJournalRecorderHook(t *testing.T) {
	j := openTestJournal(t)
	hook := j.Recorder()

	hook("https://a.example", endpoints.FailureForbidden, true)
	hook("https://a.example", endpoints.FailureForbidden, false)

	got, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Blocked {
		t.Errorf("newest event should be the recovery, got %+v", got[0])
	}
	// Recovery events carry no failure type.
	if got[0].FailureType != "" {
		t.Errorf("recovery event failure type = %q, want empty", got[0].FailureType)
	}
	if got[1].FailureType != endpoints.FailureForbidden {
		t.Errorf("block event failure type = %s, want %s", got[1].FailureType, endpoints.FailureForbidden)
	}
}
