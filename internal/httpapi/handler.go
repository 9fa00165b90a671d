package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/junlov/quotey/internal/command"
)

// inboundCommand is the wire shape accepted from HTTP callers: everything
// in command.Command except Actor and Source, which the server fills in
// itself (JWT-derived identity, source pinned to "http") rather than
// trusting a caller-asserted value.
type inboundCommand struct {
	SourceRequestID  string          `json:"source_request_id"`
	ActionKind       command.ActionKind `json:"action_kind"`
	AggregateID      string          `json:"aggregate_id,omitempty"`
	AggregateVersion *int64          `json:"aggregate_version,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	CorrelationID    string          `json:"correlation_id"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var in inboundCommand
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd := command.Command{
		Source:           command.SourceHTTP,
		SourceRequestID:  in.SourceRequestID,
		ActionKind:       in.ActionKind,
		AggregateID:      in.AggregateID,
		AggregateVersion: in.AggregateVersion,
		Payload:          in.Payload,
		Actor:            command.Actor{ID: actor.ID, Type: actor.Type},
		CorrelationID:    in.CorrelationID,
	}

	resp := s.commands.Handle(r.Context(), cmd)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForResponse(resp))
	_ = json.NewEncoder(w).Encode(resp)
}

// statusForResponse maps a command.Response's Status to an HTTP status
// code; the response body always carries the full Response regardless.
func statusForResponse(resp command.Response) int {
	switch resp.Status {
	case command.StatusOK, command.StatusPending:
		return http.StatusOK
	case command.StatusRejected:
		return http.StatusConflict
	case command.StatusError:
		if resp.Error != nil {
			switch resp.Error.Class {
			case command.ErrorValidation, command.ErrorMissingData:
				return http.StatusBadRequest
			case command.ErrorNotFound:
				return http.StatusNotFound
			case command.ErrorAuth:
				return http.StatusForbidden
			case command.ErrorRateLimit:
				return http.StatusTooManyRequests
			case command.ErrorTimeout:
				return http.StatusGatewayTimeout
			}
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
