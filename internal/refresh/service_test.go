package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespa-academy/datasync/internal/pipeline"
	"github.com/vespa-academy/datasync/internal/syncrun"
)

type fakeSyncer struct {
	mu      sync.Mutex
	block   chan struct{} // nil means return immediately
	calls   []string
	err     error
	outcome pipeline.Outcome
}

func (f *fakeSyncer) SyncOne(ctx context.Context, id string) (pipeline.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return f.outcome, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func okOutcome() pipeline.Outcome {
	r := syncrun.NewReport("run-1", "refresh")
	ec := r.Entity("students")
	ec.Inserted, ec.Updated, ec.Skipped = 3, 2, 1
	vc := r.Entity("vespa_scores")
	vc.Inserted = 4
	return pipeline.Outcome{RunID: "run-1", Status: "completed", Report: r}
}

func TestRunSummarizesOutcome(t *testing.T) {
	svc := New(&fakeSyncer{outcome: okOutcome()}, time.Second, nil)

	st, err := svc.Run(context.Background(), "est-1")
	require.NoError(t, err)
	assert.Equal(t, StateComplete, st.State)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, 5, st.StudentsSynced)
	assert.Equal(t, 4, st.VespaSynced)
	assert.Equal(t, 1, st.Skipped)

	last := svc.Last("est-1")
	assert.Equal(t, StateComplete, last.State)
}

func TestConcurrentRefreshSameEstablishmentRejected(t *testing.T) {
	blocker := make(chan struct{})
	f := &fakeSyncer{block: blocker, outcome: okOutcome()}
	svc := New(f, time.Second, nil)

	done := make(chan Status, 1)
	go func() {
		st, _ := svc.Run(context.Background(), "est-1")
		done <- st
	}()

	// Wait until the first refresh is in flight.
	require.Eventually(t, func() bool {
		return svc.Last("est-1").State == StateRunning
	}, time.Second, 5*time.Millisecond)

	_, err := svc.Run(context.Background(), "est-1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// A different establishment is not blocked.
	f.mu.Lock()
	f.block = nil
	f.mu.Unlock()
	_, err = svc.Run(context.Background(), "est-2")
	assert.NoError(t, err)

	close(blocker)
	st := <-done
	assert.Equal(t, StateComplete, st.State)

	// The slot frees up after completion.
	_, err = svc.Run(context.Background(), "est-1")
	assert.NoError(t, err)
}

func TestTimeoutMarksFailed(t *testing.T) {
	f := &fakeSyncer{block: make(chan struct{})}
	defer close(f.block)
	svc := New(f, 30*time.Millisecond, nil)

	st, err := svc.Run(context.Background(), "est-1")
	assert.Error(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, StateFailed, svc.Last("est-1").State)
}

func TestUnknownEstablishmentNotRecorded(t *testing.T) {
	f := &fakeSyncer{err: pipeline.ErrEstablishmentNotFound}
	svc := New(f, time.Second, nil)

	_, err := svc.Run(context.Background(), "est-404")
	assert.ErrorIs(t, err, pipeline.ErrEstablishmentNotFound)
	assert.Equal(t, StateIdle, svc.Last("est-404").State)
}
