package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/crawlic/internal/task"
)

// encode flattens t into HSET field/value pairs.
func encode(t task.Task) ([]any, error) {
	fields := []any{
		"id", t.ID,
		"kind", string(t.Kind),
		"url", t.URL,
		"state", string(t.State),
		"progress", t.Progress,
		"attempt", strconv.Itoa(t.Attempt),
		"last_error", t.LastError,
		"cancel_requested", boolField(t.CancelRequested),
		"submitted_at", stamp(t.Submitted),
		"updated_at", stamp(t.Updated),
	}
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		fields = append(fields, "result", string(data))
	}
	if t.Started != nil {
		fields = append(fields, "started_at", stamp(*t.Started))
	}
	if t.Finished != nil {
		fields = append(fields, "finished_at", stamp(*t.Finished))
	}
	return fields, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decode(values map[string]string) (task.Task, error) {
	t := task.Task{
		ID:              values["id"],
		Kind:            task.Kind(values["kind"]),
		URL:             values["url"],
		State:           task.State(values["state"]),
		Progress:        values["progress"],
		LastError:       values["last_error"],
		CancelRequested: values["cancel_requested"] == "1",
	}
	if raw := values["attempt"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return task.Task{}, fmt.Errorf("decode attempt: %w", err)
		}
		t.Attempt = n
	}
	if raw := values["result"]; raw != "" {
		var res task.Result
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return task.Task{}, fmt.Errorf("decode result: %w", err)
		}
		t.Result = &res
	}
	var err error
	if t.Submitted, err = parseTime(values["submitted_at"]); err != nil {
		return task.Task{}, err
	}
	if t.Updated, err = parseTime(values["updated_at"]); err != nil {
		return task.Task{}, err
	}
	if t.Started, err = parseOptionalTime(values["started_at"]); err != nil {
		return task.Task{}, err
	}
	if t.Finished, err = parseOptionalTime(values["finished_at"]); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", raw, err)
	}
	return ts, nil
}

func parseOptionalTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
