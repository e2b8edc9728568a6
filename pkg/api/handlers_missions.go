package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/mission"
)

type createMissionRequest struct {
	WorkspaceID string          `json:"workspace_id"`
	AgentConfig json.RawMessage `json:"agent_config"`
}

type missionStatusResponse struct {
	MissionID string         `json:"mission_id"`
	Status    mission.Status `json:"status"`
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.missions.Create(r.Context(), mission.CreateRequest{
		WorkspaceID: req.WorkspaceID,
		AgentConfig: req.AgentConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/missions/"+m.ID)
	writeJSON(w, http.StatusCreated, missionStatusResponse{MissionID: m.ID, Status: m.Status})
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := mission.ListOptions{
		Status:      mission.Status(strings.TrimSpace(q.Get("status"))),
		WorkspaceID: strings.TrimSpace(q.Get("workspace_id")),
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	opts.Limit = limit

	missions, err := s.missions.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"missions": missions})
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMissionEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	evs, err := s.missions.Events(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]wireEvent, len(evs))
	for i, ev := range evs {
		out[i] = toWire(ev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleCancelMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.missions.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, missionStatusResponse{MissionID: m.ID, Status: m.Status})
}

// parseQueryOptions reads ?types=a,b&limit=&offset=&after=.
func parseQueryOptions(r *http.Request) (events.QueryOptions, error) {
	q := r.URL.Query()
	var opts events.QueryOptions
	if raw := strings.TrimSpace(q.Get("types")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			typ, ok := events.ParseType(part)
			if !ok {
				return opts, merrors.Newf(merrors.ErrCodeInvalidInput, "unknown event type %q", part)
			}
			opts.Types = append(opts.Types, typ)
		}
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return opts, err
	}
	if opts.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return opts, err
	}
	after, err := intParam(q.Get("after"), "after")
	if err != nil {
		return opts, err
	}
	opts.AfterSequence = int64(after)
	return opts, nil
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, merrors.Newf(merrors.ErrCodeInvalidInput, "%s must be a non-negative integer", name)
	}
	return n, nil
}
