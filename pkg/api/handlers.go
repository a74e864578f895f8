package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/publishing-api/pkg/commands"
	"github.com/kubeflow/publishing-api/pkg/content"
)

const maxBodyBytes = 10 << 20

// decode reads a JSON body into v. An empty body leaves v unchanged unless
// required is set.
func decode(w http.ResponseWriter, r *http.Request, v any, required bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (errors.Is(err, io.EOF) && !required) {
		return true
	}
	writeErrorBody(w, errorBody{Code: http.StatusBadRequest, Message: "Request body is not valid JSON: " + err.Error()})
	return false
}

// PUT /v2/content/{contentID}
func (s *Server) putContent(w http.ResponseWriter, r *http.Request) {
	var req commands.PutDraftRequest
	if !decode(w, r, &req, true) {
		return
	}
	req.ContentID = chi.URLParam(r, "contentID")
	req.UserUID = UserFromContext(r.Context())

	view, err := s.deps.Commands.PutDraft(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /v2/content/{contentID}?locale=
func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Commands.GetContent(r.Context(), chi.URLParam(r, "contentID"), r.URL.Query().Get("locale"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v2/content/{contentID}/publish
func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	var req commands.PublishRequest
	if !decode(w, r, &req, false) {
		return
	}
	req.ContentID = chi.URLParam(r, "contentID")
	req.UserUID = UserFromContext(r.Context())

	view, err := s.deps.Commands.Publish(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v2/content/{contentID}/unpublish
func (s *Server) unpublish(w http.ResponseWriter, r *http.Request) {
	var req commands.UnpublishRequest
	if !decode(w, r, &req, true) {
		return
	}
	req.ContentID = chi.URLParam(r, "contentID")
	req.UserUID = UserFromContext(r.Context())

	view, err := s.deps.Commands.Unpublish(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /v2/content/{contentID}/discard-draft
func (s *Server) discardDraft(w http.ResponseWriter, r *http.Request) {
	var req commands.DiscardDraftRequest
	if !decode(w, r, &req, false) {
		return
	}
	req.ContentID = chi.URLParam(r, "contentID")
	req.UserUID = UserFromContext(r.Context())

	result, err := s.deps.Commands.DiscardDraft(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /v2/content/{contentID}/actions?limit=
func (s *Server) actions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	actions, err := s.deps.Commands.Actions(r.Context(), chi.URLParam(r, "contentID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []content.ActionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// GET /v2/links/{contentID}
func (s *Server) getLinkSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Commands.GetLinkSet(r.Context(), chi.URLParam(r, "contentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// PATCH /v2/links/{contentID}
func (s *Server) patchLinkSet(w http.ResponseWriter, r *http.Request) {
	var req commands.PatchLinkSetRequest
	if !decode(w, r, &req, true) {
		return
	}
	req.ContentID = chi.URLParam(r, "contentID")
	req.UserUID = UserFromContext(r.Context())

	set, err := s.deps.Commands.PatchLinkSet(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// GET /v2/expanded-links/{contentID}?locale=&with_drafts=
func (s *Server) expandedLinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	withDrafts := false
	if v := q.Get("with_drafts"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorBody(w, errorBody{
				Code:    http.StatusBadRequest,
				Message: "with_drafts must be true or false",
				Fields:  map[string][]string{"with_drafts": {"is invalid"}},
			})
			return
		}
		withDrafts = parsed
	}

	view, err := s.deps.Commands.ExpandedLinks(r.Context(), chi.URLParam(r, "contentID"), q.Get("locale"), withDrafts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GET /v2/consistency/{contentID}?locale=
func (s *Server) consistency(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Checker.Check(r.Context(), chi.URLParam(r, "contentID"), r.URL.Query().Get("locale"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type representRequest struct {
	Store content.Store `json:"store"`
}

// POST /v2/represent-downstream
// Re-enqueues a push of every document to one store, or to both when no
// store is named.
func (s *Server) representDownstream(w http.ResponseWriter, r *http.Request) {
	var req representRequest
	if !decode(w, r, &req, false) {
		return
	}
	stores := []content.Store{content.DraftStore, content.LiveStore}
	switch req.Store {
	case "":
	case content.DraftStore, content.LiveStore:
		stores = []content.Store{req.Store}
	default:
		writeErrorBody(w, errorBody{
			Code:    http.StatusUnprocessableEntity,
			Message: "Unprocessable entity",
			Fields:  map[string][]string{"store": {"must be one of [draft live]"}},
		})
		return
	}

	eventID, err := s.deps.Items.LatestEventID(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	enqueued := map[string]int{}
	for _, store := range stores {
		n, err := s.deps.Propagator.Replay(r.Context(), store, eventID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		enqueued[string(store)] = n
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": enqueued, "payload_version": eventID})
}
