package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestCheckAllEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("feed", func(_ context.Context) Status {
		return Status{Name: "feed", Healthy: true}
	})
	r.Register("ledger", func(_ context.Context) Status {
		return Status{Name: "ledger", Healthy: false, Detail: "store unavailable"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing probe should make the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "store unavailable" {
		t.Fatalf("detail = %q", statuses[1].Detail)
	}
}

func TestCheckAllFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("feed", func(_ context.Context) Status {
		return Status{Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "feed" {
		t.Fatalf("name = %q, want feed", statuses[0].Name)
	}
}

func TestCheckAllBoundsEachProbe(t *testing.T) {
	r := NewRegistry()
	r.Register("stuck", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Name: "stuck", Healthy: false, Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out probe should report unhealthy")
	}
	if statuses[0].Detail == "" {
		t.Fatal("expected a timeout detail")
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("feed", func(_ context.Context) Status {
		return Status{Name: "feed", Healthy: true}
	})

	w := httptest.NewRecorder()
	r.Handler()(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Healthy bool     `json:"healthy"`
		Checks  []Status `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Healthy || len(body.Checks) != 1 {
		t.Fatalf("body = %+v", body)
	}

	r.Register("ledger", func(_ context.Context) Status {
		return Status{Name: "ledger", Healthy: false}
	})
	w = httptest.NewRecorder()
	r.Handler()(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("probe", func(_ context.Context) Status {
				return Status{Name: "probe", Healthy: true}
			})
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
