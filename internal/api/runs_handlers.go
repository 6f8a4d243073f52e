package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlic/internal/store"
)

const runsTimeout = 3 * time.Second

type runDTO struct {
	TaskID     string     `json:"task_id"`
	Attempt    int        `json:"attempt"`
	Kind       string     `json:"kind"`
	URL        string     `json:"url"`
	Outcome    string     `json:"outcome"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Note       *string    `json:"note,omitempty"`
	Pages      int64      `json:"pages"`
	Bytes      int64      `json:"bytes"`
}

// listRuns handles GET /v1/tasks/{task_id}/runs. It returns {"runs": [...]}
// oldest attempt first, or 404 when no history was recorded.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), runsTimeout)
	defer cancel()

	runs, err := s.svc.Runs(ctx, chi.URLParam(r, "task_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no runs recorded")
			return
		}
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

func toRunDTOs(in []store.TaskRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, runDTO{
			TaskID:     run.TaskID.String(),
			Attempt:    run.Attempt,
			Kind:       run.Kind,
			URL:        run.URL,
			Outcome:    string(run.Outcome),
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			Note:       run.Note,
			Pages:      run.Pages,
			Bytes:      run.Bytes,
		})
	}
	return out
}
