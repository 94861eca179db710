package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethpandaops/testoor/pkg/facet"
	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies; status batches are the largest payload.
const maxBodyBytes = 8 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// statusForError maps service errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, runs.ErrRunNotActive):
		return http.StatusLocked
	case errors.Is(err, runs.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrNoMatchingTests):
		return http.StatusUnprocessableEntity
	case errors.Is(err, runs.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, runs.ErrEmptyFacet),
		errors.Is(err, runs.ErrInvalidFilterType),
		errors.Is(err, runs.ErrEmptyBatch),
		errors.Is(err, runs.ErrInvalidGroupBy),
		errors.Is(err, runs.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, status, errorResponse{"internal error"})

		return
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", runs.ErrInvalidRequest, name)
	}

	return id, nil
}

// runParams parses the project and run ids of a run route.
func runParams(r *http.Request) (projectID, runID int64, err error) {
	if projectID, err = pathID(r, "projectID"); err != nil {
		return 0, 0, err
	}

	if runID, err = pathID(r, "runID"); err != nil {
		return 0, 0, err
	}

	return projectID, runID, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding body: %w", runs.ErrInvalidRequest, err)
	}

	return nil
}

// --- Public handlers ---

// handleHealth reports server and database health.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"status": "database unavailable"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Run handlers ---

type createRunRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	facet.Selection
}

func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req createRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.service.CreateRun(r.Context(), runs.CreateRunRequest{
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   userFromContext(r.Context()),
		Selection:   req.Selection,
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	list, err := s.service.ListRuns(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.service.GetRun(r.Context(), runID, &projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleLockRun(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.service.LockRun(
		r.Context(), runID, &projectID, userFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleArchiveRun(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	run, err := s.service.ArchiveRun(r.Context(), runID, &projectID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if err := s.service.DeleteRun(r.Context(), runID, &projectID); err != nil {
		s.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Membership handlers ---

type updateStatusesRequest struct {
	Items   []runs.StatusItem `json:"items"`
	Comment string            `json:"comment"`
}

func (s *server) handleUpdateStatuses(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req updateStatusesRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.service.UpdateStatuses(r.Context(), runs.UpdateStatusesRequest{
		RunID:     runID,
		ProjectID: &projectID,
		Items:     req.Items,
		Comment:   req.Comment,
		UserID:    userFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleMarkRetest(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.service.MarkPassedAsRetest(
		r.Context(), runID, &projectID, userFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

type removeTestsRequest struct {
	TestIDs []int64 `json:"testIds"`
}

func (s *server) handleRemoveTests(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var req removeTestsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	res, err := s.service.RemoveTests(r.Context(), runs.RemoveTestsRequest{
		RunID:     runID,
		ProjectID: &projectID,
		TestIDs:   req.TestIDs,
		UserID:    userFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleListRunTests(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var statuses []string

	for _, v := range r.URL.Query()["status"] {
		for _, status := range strings.Split(v, ",") {
			if status = strings.TrimSpace(status); status != "" {
				statuses = append(statuses, status)
			}
		}
	}

	memberships, err := s.service.ListRunTests(r.Context(), runID, &projectID, statuses)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, memberships)
}

// --- Aggregation and audit handlers ---

func (s *server) handleRunMeta(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	info, err := s.service.RunsMetaInfo(
		r.Context(), runID, &projectID, r.URL.Query().Get("group_by"),
	)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	projectID, runID, err := runParams(r)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	var testID *int64

	if raw := r.URL.Query().Get("test_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: invalid test_id", runs.ErrInvalidRequest))

			return
		}

		testID = &id
	}

	entries, err := s.service.History(r.Context(), runID, &projectID, testID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, entries)
}
