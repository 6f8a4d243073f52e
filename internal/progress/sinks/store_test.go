package sinks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlic/internal/progress"
	"github.com/JakeFAU/crawlic/internal/store"
)

func TestStoreSinkWritesAttemptLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	id := uuid.New()
	ts := time.Unix(1700000000, 0).UTC()

	batch := []progress.Event{
		{TaskID: [16]byte(id), Attempt: 1, TS: ts, Stage: progress.StageTaskStart, Kind: "find_emails", URL: "https://acme.test"},
		{TaskID: [16]byte(id), Attempt: 1, TS: ts, Stage: progress.StagePageLoad, Site: "acme.test", Status: progress.PageOK, Bytes: 100},
		{TaskID: [16]byte(id), Attempt: 1, TS: ts, Stage: progress.StageTaskProgress, Note: "Starting email search"},
		{TaskID: [16]byte(id), Attempt: 1, TS: ts, Stage: progress.StagePageLoad, Site: "acme.test", Status: progress.PageError},
		{TaskID: [16]byte(id), Attempt: 1, TS: ts, Stage: progress.StageTaskRetry, Note: "navigation failed"},
		{TaskID: [16]byte(id), Attempt: 2, TS: ts, Stage: progress.StageTaskStart, Kind: "find_emails", URL: "https://acme.test"},
		{TaskID: [16]byte(id), Attempt: 2, TS: ts, Stage: progress.StagePageLoad, Site: "acme.test", Status: progress.PageOK, Bytes: 7},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []string{
		"start 1 find_emails https://acme.test",
		"pages 1 2 100",
		"finish 1 retry navigation failed",
		"start 2 find_emails https://acme.test",
		"pages 2 1 7",
	}, repo.calls)
}

func TestStoreSinkOutcomes(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewStoreSink(repo, nil)
	ts := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: [16]byte(uuid.New()), Attempt: 1, TS: ts, Stage: progress.StageTaskDone},
		{TaskID: [16]byte(uuid.New()), Attempt: 4, TS: ts, Stage: progress.StageTaskError, Note: "task canceled"},
	}))
	require.Equal(t, []string{"finish 1 success ", "finish 4 failure task canceled"}, repo.calls)
}

func TestStoreSinkReturnsRepositoryErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{err: errors.New("db down")}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{TaskID: [16]byte(uuid.New()), Attempt: 1, TS: time.Now(), Stage: progress.StageTaskStart},
	})
	require.ErrorContains(t, err, "start run: db down")
}

func TestStoreSinkNilRepository(t *testing.T) {
	t.Parallel()

	var sink *StoreSink
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{}}))
}

type fakeRunRepo struct {
	calls []string
	err   error
}

func (f *fakeRunRepo) StartRun(_ context.Context, _ uuid.UUID, attempt int, kind, url string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, "start "+itoa(attempt)+" "+kind+" "+url)
	return nil
}

func (f *fakeRunRepo) FinishRun(
	_ context.Context,
	_ uuid.UUID,
	attempt int,
	_ time.Time,
	outcome store.RunOutcome,
	note *string,
) error {
	if f.err != nil {
		return f.err
	}
	text := ""
	if note != nil {
		text = *note
	}
	f.calls = append(f.calls, "finish "+itoa(attempt)+" "+string(outcome)+" "+text)
	return nil
}

func (f *fakeRunRepo) AddPageLoads(_ context.Context, _ uuid.UUID, attempt int, pages, bytes int64) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, "pages "+itoa(attempt)+" "+itoa(int(pages))+" "+itoa(int(bytes)))
	return nil
}

func (f *fakeRunRepo) ListRuns(context.Context, uuid.UUID) ([]store.TaskRun, error) {
	return nil, store.ErrNotFound
}

func itoa(n int) string {
	return fmt.Sprint(n)
}
