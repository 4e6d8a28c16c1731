package jobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ehrlich-b/smi/internal/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, nil)
}

func TestStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "job-1"

	// Absent jobs report UNKNOWN, not an error.
	got, err := s.GetStatus(ctx, id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != job.Unknown || got.Message != "Job not found" {
		t.Fatalf("absent job = %+v", got)
	}

	for _, st := range []job.Status{job.Pending, job.Queued, job.InProgress, job.Completed} {
		if err := s.SetStatus(ctx, job.Response{ID: id, Status: st, Type: job.LLMGeneration}); err != nil {
			t.Fatalf("SetStatus(%s): %v", st, err)
		}
	}

	got, err = s.GetStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.Completed || got.Type != job.LLMGeneration || got.ID != id {
		t.Errorf("final status = %+v", got)
	}
}

func TestStatusMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "job-2"

	if err := s.SetStatus(ctx, job.Response{ID: id, Status: job.InProgress}); err != nil {
		t.Fatal(err)
	}
	err := s.SetStatus(ctx, job.Response{ID: id, Status: job.Queued})
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("backward write err = %v, want ErrStaleStatus", err)
	}

	// Rewriting the same terminal state is idempotent.
	if err := s.SetStatus(ctx, job.Response{ID: id, Status: job.Failed, Message: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, job.Response{ID: id, Status: job.Failed, Message: "boom"}); err != nil {
		t.Errorf("terminal rewrite: %v", err)
	}
	// Flipping between terminal states is not.
	err = s.SetStatus(ctx, job.Response{ID: id, Status: job.Completed})
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("FAILED -> COMPLETED err = %v, want ErrStaleStatus", err)
	}
}

func TestResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "job-3"

	if _, _, err := s.GetResult(ctx, id); !errors.Is(err, ErrNoResult) {
		t.Fatalf("missing result err = %v, want ErrNoResult", err)
	}

	payload := []byte(`{"language":"en","text":"hello"}`)
	if err := s.SetResult(ctx, id, payload, "SpeechToTextResponse"); err != nil {
		t.Fatal(err)
	}
	got, model, err := s.GetResult(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) || model != "SpeechToTextResponse" {
		t.Errorf("result = %s (%s)", got, model)
	}
}

func TestDeleteRemovesBothKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "job-4"

	if err := s.SetStatus(ctx, job.Response{ID: id, Status: job.Completed, Type: job.AudioGeneration}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetResult(ctx, id, []byte(`{}`), "TextToSpeechResponse"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.Unknown {
		t.Errorf("status after delete = %s, want UNKNOWN", got.Status)
	}
	if _, _, err := s.GetResult(ctx, id); !errors.Is(err, ErrNoResult) {
		t.Errorf("result after delete err = %v, want ErrNoResult", err)
	}
}
