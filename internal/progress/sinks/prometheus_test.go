package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlic/internal/progress"
)

func TestPrometheusSinkTracksAttempts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := [16]byte(uuid.New())
	now := time.Now()
	start := progress.Event{TaskID: id, Attempt: 1, TS: now, Stage: progress.StageTaskStart, Kind: "distill"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.running))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{
			TaskID: id, Attempt: 1, TS: now, Stage: progress.StagePageLoad, Kind: "distill",
			Site: "example.com", Status: progress.PageOK, Bytes: 2048,
		},
		{TaskID: id, Attempt: 1, TS: now, Stage: progress.StageTaskDone, Kind: "distill", Dur: 3 * time.Second},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.running))
	require.Equal(t, 1, testutil.CollectAndCount(sink.pagesPerTask, "crawlic_attempt_pages"))

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "crawlic_page_loads_total")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}

func TestPrometheusSinkIgnoresUnknownFinish(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{
		TaskID: [16]byte(uuid.New()), Attempt: 2, TS: time.Now(), Stage: progress.StageTaskError, Kind: "find_emails",
	}}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.running))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
