package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/domain"
)

// maxBodyBytes bounds request bodies; trade payloads are small.
const maxBodyBytes = 1 << 20

// envelope is the uniform response shape: status "ok" with data, or
// status "error" with the error body.
type envelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data})
}

// writeError maps the error kind to an HTTP status and renders the error
// envelope. Internal faults log at error level; expected rejections at debug.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	body := &errorBody{Kind: kind.String(), Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Message = de.Message
		body.Details = de.Details
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("kind", kind.String()).Msg("request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Error: body})
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindLockAcquisition:
		return http.StatusServiceUnavailable
	case domain.KindOptimisticLock, domain.KindConflict, domain.KindAlreadySettled:
		return http.StatusConflict
	case domain.KindInsufficientBlocks:
		return http.StatusUnprocessableEntity
	case domain.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case domain.KindExpired:
		return http.StatusGone
	case domain.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads one JSON body into v. Unknown fields are rejected so typos
// surface instead of silently dropping.
func decode(r *http.Request, v interface{}) error {
	const op = "server.decode"
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError(op, "malformed request body").
			WithDetail("cause", err.Error())
	}
	return nil
}
