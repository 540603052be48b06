package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pollcron/internal/poll"
	"pollcron/internal/schedule"
	"pollcron/internal/storage"
	logx "pollcron/pkg/logx"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, poll.ErrInvalidPoll), errors.Is(err, schedule.ErrInvalidExpression), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrPollHasInstances):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// replaced by a generic message.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error("request error", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.health == nil {
		writeJSON(w, http.StatusOK, body)
		return
	}
	details, err := a.health(r.Context())
	for k, v := range details {
		body[k] = v
	}
	if err != nil {
		body["status"] = "down"
		body["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ---- polls ----

func (a *API) listPolls(w http.ResponseWriter, r *http.Request) {
	polls, err := a.svc.ListPolls(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPollDTOs(polls))
}

func (a *API) createPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.svc.SavePoll(r.Context(), req.spec(uuid.Nil))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPollDTO(p))
}

func (a *API) getPoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.svc.GetPoll(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPollDTO(p))
}

func (a *API) updatePoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req pollRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if _, err := a.svc.GetPoll(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := a.svc.SavePoll(r.Context(), req.spec(id))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPollDTO(p))
}

func (a *API) deletePoll(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.svc.DeletePoll(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listInstances(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ins, err := a.svc.Instances(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]instanceDTO, 0, len(ins))
	for _, in := range ins {
		out = append(out, toInstanceDTO(in))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	in, err := a.svc.Instance(r.Context(), id, chi.URLParam(r, "instance"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceDTO(in))
}

func (a *API) pollAnswers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	answers, err := a.svc.InstanceAnswers(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnswerDTOs(answers))
}

func (a *API) pollTally(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	t, err := a.svc.PollTally(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTallyDTO(t))
}

// ---- groups ----

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.svc.ListGroups(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]groupDTO, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupDTO(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// createGroup takes a poll body and splits it into member polls.
func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	g, err := a.svc.CreateGroup(r.Context(), req.spec(uuid.Nil))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupDTO(g))
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	g, err := a.svc.GetGroup(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (a *API) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req pollRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	g, err := a.svc.UpdateGroup(r.Context(), id, req.spec(uuid.Nil))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (a *API) groupAnswers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	answers, err := a.svc.GroupAnswers(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnswerDTOs(answers))
}

func (a *API) groupTally(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	t, err := a.svc.GroupTally(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTallyDTO(t))
}
