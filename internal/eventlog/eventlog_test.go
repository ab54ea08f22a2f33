package eventlog

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestLogEvictsOldestBeyondCapacity(t *testing.T) {
	log := NewLog(RequestCapacity)
	for i := 0; i < 150; i++ {
		log.Append(Entry{
			Timestamp: time.Now(),
			Method:    http.MethodGet,
			Path:      fmt.Sprintf("/api/export/%d", i),
			Status:    http.StatusOK,
		})
	}
	if got := log.Len(); got != RequestCapacity {
		t.Fatalf("expected %d retained entries, got %d", RequestCapacity, got)
	}
	entries := log.Recent(0)
	if len(entries) != RequestCapacity {
		t.Fatalf("expected %d entries, got %d", RequestCapacity, len(entries))
	}
	if entries[0].Path != "/api/export/50" {
		t.Fatalf("expected oldest retained entry to be /api/export/50, got %s", entries[0].Path)
	}
	if entries[len(entries)-1].Path != "/api/export/149" {
		t.Fatalf("expected newest entry to be /api/export/149, got %s", entries[len(entries)-1].Path)
	}
}

func TestRecentReturnsWindowOldestFirst(t *testing.T) {
	log := NewLog(10)
	for i := 0; i < 5; i++ {
		log.Append(Entry{Path: fmt.Sprintf("/p/%d", i)})
	}
	entries := log.Recent(3)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"/p/2", "/p/3", "/p/4"} {
		if entries[i].Path != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, entries[i].Path)
		}
	}
	if got := log.Recent(100); len(got) != 5 {
		t.Fatalf("oversized limit should return everything, got %d", len(got))
	}
}

func TestRecentOnEmptyLog(t *testing.T) {
	log := NewLog(ErrorCapacity)
	if entries := log.Recent(10); len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestSummarizeGroupsByPathAndMethod(t *testing.T) {
	log := NewLog(10)
	log.Append(Entry{Method: http.MethodGet, Path: "/api/export/jobs"})
	log.Append(Entry{Method: http.MethodGet, Path: "/api/export/jobs"})
	log.Append(Entry{Method: http.MethodPost, Path: "/api/scheduler/run"})

	summary := log.Summarize()
	if summary.Total != 3 {
		t.Fatalf("expected total 3, got %d", summary.Total)
	}
	if summary.ByPath["/api/export/jobs"] != 2 {
		t.Fatalf("expected 2 export entries, got %d", summary.ByPath["/api/export/jobs"])
	}
	if summary.ByMethod[http.MethodPost] != 1 {
		t.Fatalf("expected 1 POST entry, got %d", summary.ByMethod[http.MethodPost])
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	log := NewLog(50)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				log.Append(Entry{Path: fmt.Sprintf("/w/%d", worker)})
				log.Recent(10)
				log.Summarize()
			}
		}(i)
	}
	wg.Wait()
	if got := log.Len(); got != 50 {
		t.Fatalf("expected full buffer of 50, got %d", got)
	}
}
