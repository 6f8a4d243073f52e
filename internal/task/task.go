// Package task defines the unit of background work: its kinds, lifecycle
// states, result payloads and the storage and queue contracts workers rely on.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of a task.
type State string

// Task states. SUCCESS and FAILURE are terminal.
const (
	StatePending  State = "PENDING"
	StateStarted  State = "STARTED"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Kind names the operation a task performs.
type Kind string

// Supported kinds.
const (
	KindDistill    Kind = "distill"
	KindFindEmails Kind = "find_emails"
)

var (
	// ErrNotFound is returned by stores for unknown task ids.
	ErrNotFound = errors.New("task not found")
	// ErrFinished is returned when a terminal task is asked to transition.
	ErrFinished = errors.New("task already finished")
	// ErrUnknownKind is returned when decoding an envelope of an unsupported kind.
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrQueueClosed is returned by queues after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Payload is the closed set of task requests. Only types in this package
// implement it, so Executor must handle every kind.
type Payload interface {
	Kind() Kind
	Target() string
	dispatch(ctx context.Context, e Executor) (Result, error)
}

// Distill fetches URL and reduces it to its main content.
type Distill struct {
	URL string
}

// Kind implements Payload.
func (Distill) Kind() Kind { return KindDistill }

// Target implements Payload.
func (d Distill) Target() string { return d.URL }

func (d Distill) dispatch(ctx context.Context, e Executor) (Result, error) {
	return e.Distill(ctx, d)
}

// FindEmails searches the site at URL for contact addresses.
type FindEmails struct {
	URL string
}

// Kind implements Payload.
func (FindEmails) Kind() Kind { return KindFindEmails }

// Target implements Payload.
func (f FindEmails) Target() string { return f.URL }

func (f FindEmails) dispatch(ctx context.Context, e Executor) (Result, error) {
	return e.FindEmails(ctx, f)
}

// Executor runs payloads. It has one method per kind.
type Executor interface {
	Distill(ctx context.Context, p Distill) (Result, error)
	FindEmails(ctx context.Context, p FindEmails) (Result, error)
}

// Dispatch runs p on e.
func Dispatch(ctx context.Context, p Payload, e Executor) (Result, error) {
	if p == nil {
		return Result{}, Permanent(errors.New("nil payload"))
	}
	return p.dispatch(ctx, e)
}

// Envelope is the serializable form of a Payload.
type Envelope struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
}

// Encode converts p to its envelope.
func Encode(p Payload) Envelope {
	return Envelope{Kind: p.Kind(), URL: p.Target()}
}

// Decode converts the envelope back into a Payload.
func (e Envelope) Decode() (Payload, error) {
	switch e.Kind {
	case KindDistill:
		return Distill{URL: e.URL}, nil
	case KindFindEmails:
		return FindEmails{URL: e.URL}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

// Task is the persisted record of one logical request.
type Task struct {
	ID              string     `json:"task_id"`
	Kind            Kind       `json:"kind"`
	URL             string     `json:"url"`
	State           State      `json:"state"`
	Progress        string     `json:"progress,omitempty"`
	Attempt         int        `json:"attempt"`
	Result          *Result    `json:"result,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Submitted       time.Time  `json:"submitted_at"`
	Started         *time.Time `json:"started_at,omitempty"`
	Finished        *time.Time `json:"finished_at,omitempty"`
	Updated         time.Time  `json:"updated_at"`
}

// Payload rebuilds the request carried by t.
func (t Task) Payload() (Payload, error) {
	return Envelope{Kind: t.Kind, URL: t.URL}.Decode()
}

// Status is what callers polling a task see.
type Status struct {
	TaskID    string  `json:"task_id"`
	Kind      Kind    `json:"kind"`
	State     State   `json:"state"`
	Progress  string  `json:"progress,omitempty"`
	Attempt   int     `json:"attempt"`
	Success   *bool   `json:"success,omitempty"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// Status projects t for polling. The result is only exposed on SUCCESS and
// the error only on FAILURE; both terminal states carry the success flag.
func (t Task) Status() Status {
	st := Status{
		TaskID:    t.ID,
		Kind:      t.Kind,
		State:     t.State,
		Progress:  t.Progress,
		Attempt:   t.Attempt,
		LastError: t.LastError,
	}
	switch t.State {
	case StateSuccess:
		st.Success = ptr(true)
		st.Result = t.Result
	case StateFailure:
		st.Success = ptr(false)
		if t.Result != nil {
			st.Error = t.Result.Error
		}
		if st.Error == "" {
			st.Error = t.LastError
		}
	}
	return st
}

func ptr[T any](v T) *T { return &v }

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
