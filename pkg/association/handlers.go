package association

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// associateRequest is the request body for POST /associations.
type associateRequest struct {
	Selector DeviceSelector `json:"selector"`
	UserID   string         `json:"userId,omitempty"`
}

// terminateRequest is the request body for POST /associations/terminate.
type terminateRequest struct {
	Selector   DeviceSelector `json:"selector"`
	TargetUser string         `json:"targetUser,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// delegateRequest is the request body for POST /associations/delegate.
type delegateRequest struct {
	Selector   DeviceSelector  `json:"selector"`
	OwnerUser  string          `json:"ownerUser,omitempty"`
	TargetUser string          `json:"targetUser"`
	Type       AssociationType `json:"type"`
	Start      *time.Time      `json:"start,omitempty"`
	End        *time.Time      `json:"end,omitempty"`
}

// updateRequest is the request body for PATCH /associations/{id}.
type updateRequest struct {
	Type  *AssociationType `json:"type,omitempty"`
	Start *time.Time       `json:"start,omitempty"`
	End   *time.Time       `json:"end,omitempty"`
}

// replaceRequest is the request body for POST /associations/replace.
type replaceRequest struct {
	Current     DeviceSelector `json:"current"`
	Replacement DeviceSelector `json:"replacement"`
}

// wipeRequest is the request body for POST /users/{userId}/wipe.
type wipeRequest struct {
	SerialNumbers []string `json:"serialNumbers,omitempty"`
}

func associateHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req associateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		userID := actor.UserID
		if actor.IsAdmin && req.UserID != "" {
			userID = req.UserID
		}
		result, err := engine.Associate(r.Context(), req.Selector, userID)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func activateHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req associateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.Activate(r.Context(), req.Selector, actor.UserID)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func terminateHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req terminateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.Terminate(r.Context(), TerminateRequest{
			Selector:   req.Selector,
			ActingUser: actor.UserID,
			TargetUser: req.TargetUser,
			IsAdmin:    actor.IsAdmin,
			Reason:     req.Reason,
		})
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func suspendHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req associateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.Suspend(r.Context(), req.Selector, actor.UserID, actor.IsAdmin)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func restoreHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req associateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.Restore(r.Context(), req.Selector, actor.UserID, actor.IsAdmin)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func delegateHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req delegateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.Delegate(r.Context(), DelegateRequest{
			Selector:   req.Selector,
			ActingUser: actor.UserID,
			OwnerUser:  req.OwnerUser,
			TargetUser: req.TargetUser,
			Type:       req.Type,
			Window:     DelegationWindow{Start: req.Start, End: req.End},
			IsAdmin:    actor.IsAdmin,
		})
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func updateHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.UpdateAssociation(r.Context(), UpdateRequest{
			AssociationID: chi.URLParam(r, "id"),
			ActingUser:    actor.UserID,
			NewType:       req.Type,
			NewStart:      req.Start,
			NewEnd:        req.End,
		})
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func replaceHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req replaceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		result, err := engine.Replace(r.Context(), ReplaceRequest{
			Current:     req.Current,
			Replacement: req.Replacement,
			ActingUser:  actor.UserID,
		})
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func wipeHandler(orchestrator *WipeOrchestrator, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req wipeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		actor := actors(r)
		userID := chi.URLParam(r, "userId")
		if userID != actor.UserID && !actor.IsAdmin {
			writeError(w, http.StatusForbidden, "only the user or an admin may wipe associations")
			return
		}
		result, err := orchestrator.Wipe(r.Context(), WipeRequest{
			UserID:        userID,
			SerialNumbers: req.SerialNumbers,
		})
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func listUserAssociationsHandler(engine *Engine, actors ActorExtractor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actors(r)
		userID := chi.URLParam(r, "userId")
		if userID != actor.UserID && !actor.IsAdmin {
			writeError(w, http.StatusForbidden, "only the user or an admin may list associations")
			return
		}
		views, err := engine.ListForUser(r.Context(), userID, nil)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"associations": views})
	}
}

func deviceHistoryHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := engine.DeviceHistory(r.Context(), chi.URLParam(r, "serialNumber"))
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"associations": views})
	}
}

func deviceEventsHandler(audit *AuditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, nextToken, err := audit.ListBySerial(chi.URLParam(r, "serialNumber"), 0, r.URL.Query().Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events":        events,
			"nextPageToken": nextToken,
		})
	}
}

// writeOperationError maps the failure taxonomy to HTTP status codes and
// writes the typed error body.
func writeOperationError(w http.ResponseWriter, err error) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		status := http.StatusInternalServerError
		switch opErr.Kind {
		case KindValidation:
			status = http.StatusBadRequest
		case KindPrecondition:
			status = http.StatusConflict
		case KindIntegrity:
			status = http.StatusInternalServerError
		case KindFanOut, KindAdapter:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{
			"kind":    string(opErr.Kind),
			"code":    opErr.Code,
			"message": opErr.Message,
		})
		return
	}
	var trErr *TransitionError
	if errors.As(err, &trErr) {
		writeJSON(w, http.StatusConflict, trErr)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
