package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
)

type recorder struct {
	mu        sync.Mutex
	progress  []float64
	failures  []error
	finalized int
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnProgress: func(_ context.Context, _ dataset.Type, _ string, f float64, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, f)
		},
		OnFailure: func(_ context.Context, _ dataset.Type, _ string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
	}
}

func (r *recorder) finalize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized++
	return nil
}

func spawn(t *testing.T, s *Supervisor, task Task) {
	t.Helper()
	lock, err := s.TryClaim(dataset.HMIS)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if err := s.Spawn(lock, "test", task, dataset.UploadAttempt{DatasetType: dataset.HMIS}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
}

func TestTryClaim_Exclusive(t *testing.T) {
	s := New(context.Background(), nil, Hooks{})

	lock, err := s.TryClaim(dataset.HMIS)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if _, err := s.TryClaim(dataset.HMIS); !errors.Is(err, dataset.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	if !errors.Is(dataset.ErrRunActive, dataset.ErrConflict) {
		t.Fatalf("ErrRunActive should be a conflict")
	}
	// Other types are independent.
	other, err := s.TryClaim(dataset.HFA)
	if err != nil {
		t.Fatalf("TryClaim HFA: %v", err)
	}
	other.Release()

	lock.Release()
	lock.Release()
	if s.Busy(dataset.HMIS) {
		t.Fatalf("expected HMIS to be free after Release")
	}
	again, err := s.TryClaim(dataset.HMIS)
	if err != nil {
		t.Fatalf("TryClaim after release: %v", err)
	}
	// A released lock cannot be spawned.
	again.Release()
	if err := s.Spawn(again, "x", nil, dataset.UploadAttempt{}); err == nil {
		t.Fatalf("expected Spawn with a released lock to fail")
	}
}

func TestSpawn_CompletesInOrder(t *testing.T) {
	rec := &recorder{}
	s := New(context.Background(), nil, rec.hooks())

	var got dataset.UploadAttempt
	spawn(t, s, func(ctx context.Context, snap dataset.UploadAttempt, progress func(float64, string)) (Finalize, error) {
		got = snap
		for _, f := range []float64{0.1, 0.5, 0.9} {
			progress(f, "step")
		}
		return rec.finalize, nil
	})
	if _, err := s.TryClaim(dataset.HMIS); !errors.Is(err, dataset.ErrRunActive) {
		t.Fatalf("expected ErrRunActive while running, got %v", err)
	}
	s.Wait(dataset.HMIS)

	if s.Running(dataset.HMIS) {
		t.Fatalf("expected run to be gone after Wait")
	}
	if got.DatasetType != dataset.HMIS {
		t.Fatalf("worker did not receive the snapshot: %+v", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != 3 || rec.progress[0] != 0.1 || rec.progress[2] != 0.9 {
		t.Fatalf("unexpected progress %v", rec.progress)
	}
	if rec.finalized != 1 || len(rec.failures) != 0 {
		t.Fatalf("finalized=%d failures=%v", rec.finalized, rec.failures)
	}
}

func TestSpawn_Failures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		task Task
		want error
	}{
		{
			name: "task error",
			task: func(context.Context, dataset.UploadAttempt, func(float64, string)) (Finalize, error) {
				return nil, boom
			},
			want: boom,
		},
		{
			name: "panic",
			task: func(context.Context, dataset.UploadAttempt, func(float64, string)) (Finalize, error) {
				panic("kaboom")
			},
			want: ErrPanic,
		},
		{
			name: "finalize error",
			task: func(context.Context, dataset.UploadAttempt, func(float64, string)) (Finalize, error) {
				return func(context.Context) error { return boom }, nil
			},
			want: boom,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			s := New(context.Background(), nil, rec.hooks())
			spawn(t, s, tt.task)
			s.Wait(dataset.HMIS)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			if len(rec.failures) != 1 || !errors.Is(rec.failures[0], tt.want) {
				t.Fatalf("failures = %v, want one matching %v", rec.failures, tt.want)
			}
			if s.Busy(dataset.HMIS) {
				t.Fatalf("lock not released after failure")
			}
		})
	}
}

func TestTerminate(t *testing.T) {
	rec := &recorder{}
	s := New(context.Background(), nil, rec.hooks())
	started := make(chan struct{})

	spawn(t, s, func(ctx context.Context, _ dataset.UploadAttempt, _ func(float64, string)) (Finalize, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	if !s.Terminate(dataset.HMIS) {
		t.Fatalf("expected a live run to terminate")
	}
	s.Wait(dataset.HMIS)
	if s.Terminate(dataset.HMIS) {
		t.Fatalf("expected no live run after Wait")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.failures) != 1 || !errors.Is(rec.failures[0], context.Canceled) {
		t.Fatalf("expected a cancellation failure, got %v", rec.failures)
	}
}

func TestShutdown(t *testing.T) {
	s := New(context.Background(), nil, Hooks{})
	spawn(t, s, func(ctx context.Context, _ dataset.UploadAttempt, _ func(float64, string)) (Finalize, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Running(dataset.HMIS) {
		t.Fatalf("expected no live runs after Shutdown")
	}
}
