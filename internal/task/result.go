package task

import (
	"encoding/json"
	"fmt"
)

// Result is the payload a finished task reports. Distill results carry
// Content; email results carry Emails, which is never nil for them so that an
// empty search still serializes as an empty list.
type Result struct {
	Success bool
	Content *string
	Emails  []string
	Error   string
}

// DistillResult wraps a distilled fragment.
func DistillResult(content string) Result {
	return Result{Success: true, Content: &content}
}

// EmailsResult wraps the addresses of an email search.
func EmailsResult(emails []string) Result {
	if emails == nil {
		emails = []string{}
	}
	return Result{Success: true, Emails: emails}
}

// Failure builds an unsuccessful result with a short reason.
func Failure(reason string) Result {
	return Result{Success: false, Error: reason}
}

type resultWire struct {
	Success bool      `json:"success"`
	Content *string   `json:"content,omitempty"`
	Emails  *[]string `json:"emails,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	w := resultWire{Success: r.Success, Content: r.Content, Error: r.Error}
	if r.Emails != nil {
		emails := r.Emails
		w.Emails = &emails
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	*r = Result{Success: w.Success, Content: w.Content, Error: w.Error}
	if w.Emails != nil {
		r.Emails = *w.Emails
		if r.Emails == nil {
			r.Emails = []string{}
		}
	}
	return nil
}
