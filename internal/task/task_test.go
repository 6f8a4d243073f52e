package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	calls []string
}

func (r *recordingExecutor) Distill(_ context.Context, p Distill) (Result, error) {
	r.calls = append(r.calls, "distill:"+p.URL)
	return DistillResult("<p>x</p>"), nil
}

func (r *recordingExecutor) FindEmails(_ context.Context, p FindEmails) (Result, error) {
	r.calls = append(r.calls, "emails:"+p.URL)
	return EmailsResult(nil), nil
}

func TestDispatchRoutesByKind(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	res, err := Dispatch(context.Background(), Distill{URL: "https://a.test"}, exec)
	require.NoError(t, err)
	require.Equal(t, "<p>x</p>", *res.Content)

	res, err = Dispatch(context.Background(), FindEmails{URL: "https://b.test"}, exec)
	require.NoError(t, err)
	require.NotNil(t, res.Emails)
	require.Equal(t, []string{"distill:https://a.test", "emails:https://b.test"}, exec.calls)

	_, err = Dispatch(context.Background(), nil, exec)
	require.True(t, IsPermanent(err))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	env := Encode(FindEmails{URL: "https://c.test"})
	require.Equal(t, Envelope{Kind: KindFindEmails, URL: "https://c.test"}, env)

	p, err := env.Decode()
	require.NoError(t, err)
	require.Equal(t, FindEmails{URL: "https://c.test"}, p)

	_, err = Envelope{Kind: "summarize"}.Decode()
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestResultJSONShapes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		res  Result
		want string
	}{
		{"distill", DistillResult("<div>hi</div>"), `{"success":true,"content":"<div>hi</div>"}`},
		{"empty distill", DistillResult(""), `{"success":true,"content":""}`},
		{"emails", EmailsResult([]string{"a@b.io"}), `{"success":true,"emails":["a@b.io"]}`},
		{"no emails", EmailsResult(nil), `{"success":true,"emails":[]}`},
		{"failure", Failure("task canceled"), `{"success":false,"error":"task canceled"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tc.res)
			require.NoError(t, err)
			require.JSONEq(t, tc.want, string(data))

			var back Result
			require.NoError(t, json.Unmarshal(data, &back))
			require.Equal(t, tc.res, back)
		})
	}
}

func TestStatusExposesResultOnlyOnSuccess(t *testing.T) {
	t.Parallel()

	ok := DistillResult("<p>x</p>")
	st := Task{ID: "t1", State: StateSuccess, Result: &ok}.Status()
	require.Equal(t, &ok, st.Result)
	require.Empty(t, st.Error)
	require.NotNil(t, st.Success)
	require.True(t, *st.Success)

	failed := Failure("boom")
	st = Task{ID: "t2", State: StateFailure, Result: &failed, LastError: "earlier"}.Status()
	require.Nil(t, st.Result)
	require.Equal(t, "boom", st.Error)
	require.Equal(t, "earlier", st.LastError)
	require.NotNil(t, st.Success)
	require.False(t, *st.Success)

	st = Task{ID: "t3", State: StateProgress, Progress: "Extracting content", Result: &ok}.Status()
	require.Nil(t, st.Result)
	require.Empty(t, st.Error)
	require.Equal(t, "Extracting content", st.Progress)
	require.Nil(t, st.Success)
}

func TestFailureStatusJSONCarriesSuccessFlag(t *testing.T) {
	t.Parallel()

	failed := Failure("task canceled")
	data, err := json.Marshal(Task{ID: "t4", Kind: KindDistill, State: StateFailure, Attempt: 1, Result: &failed}.Status())
	require.NoError(t, err)
	require.JSONEq(t,
		`{"task_id":"t4","kind":"distill","state":"FAILURE","attempt":1,"success":false,"error":"task canceled"}`,
		string(data))
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StatePending, StateStarted, StateProgress} {
		require.False(t, s.Terminal(), s)
	}
	require.True(t, StateSuccess.Terminal())
	require.True(t, StateFailure.Terminal())
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("invalid url")
	err := Permanent(base)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, IsPermanent(base))
	require.NoError(t, Permanent(nil))
}
