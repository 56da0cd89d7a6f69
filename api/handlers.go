package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/jwtauth"

	"labtrack/card"
	"labtrack/station"
)

const (
	staffRole    = "staff"
	maxBodyBytes = 16 << 10
)

var (
	errNoSecret = errors.New("api.jwt_secret not configured")
	errBadJSON  = errors.New("body must be a JSON object")
)

// LoanHandler queues a new loan. The request body is forwarded to the
// ledger as the borrow payload.
func (h *Handler) LoanHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := readObject(r)
	if err != nil {
		h.createResponse(w, Response{Message: "invalid loan request", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}

	id, err := h.st.RequestLoan(r.Context(), payload)
	if err != nil {
		h.fail(w, "loan not queued", err)
		return
	}
	h.createResponse(w, Response{
		Message: "loan queued, tap a blank card",
		Code:    http.StatusOK,
		Data:    map[string]interface{}{"success": true, "uid": id},
	})
}

// StatusHandler reports loop state.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := h.st.Snapshot(r.Context())
	if err != nil {
		h.fail(w, "status unavailable", err)
		return
	}
	h.createResponse(w, Response{Message: "ok", Code: http.StatusOK, Data: snap})
}

// FinalizeReturnHandler records an inspected return. The body carries
// the transaction id in "uid" and is forwarded to the ledger whole; when
// "uid" is absent the last surfaced return is used.
func (h *Handler) FinalizeReturnHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := readObject(r)
	if err != nil {
		h.createResponse(w, Response{Message: "invalid return", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}

	id, err := returnID(payload)
	if err != nil {
		h.createResponse(w, Response{Message: "invalid return", Code: http.StatusBadRequest, Error: err.Error()})
		return
	}
	if id == "" {
		id = h.st.LastReturn()
	}
	if id == "" {
		h.createResponse(w, Response{Message: "invalid return", Code: http.StatusBadRequest, Error: "no transaction id given and no card surfaced"})
		return
	}

	out, err := h.st.FinalizeReturn(r.Context(), id, payload)
	if err != nil {
		h.fail(w, "return not recorded", err)
		return
	}

	data := map[string]interface{}{
		"uid":      id,
		"accepted": out.Accepted,
		"ledger":   out.Ledger.String(),
	}
	if !out.Accepted {
		h.createResponse(w, Response{
			Message: "ledger did not record the return, card kept",
			Code:    http.StatusBadGateway,
			Data:    data,
			Error:   out.Ledger.String(),
		})
		return
	}
	data["success"] = true
	h.createResponse(w, Response{Message: "return recorded, wipe scheduled", Code: http.StatusOK, Data: data})
}

// LastReturnHandler reports the card most recently surfaced for return.
func (h *Handler) LastReturnHandler(w http.ResponseWriter, r *http.Request) {
	h.createResponse(w, Response{
		Message: "ok",
		Code:    http.StatusOK,
		Data:    map[string]interface{}{"uid": h.st.LastReturn()},
	})
}

// ReadHandler reads the card on the reader.
func (h *Handler) ReadHandler(w http.ResponseWriter, r *http.Request) {
	slot, err := h.st.ManualRead(r.Context())
	if err != nil {
		h.fail(w, "card not read", err)
		return
	}
	h.createResponse(w, Response{
		Message: "ok",
		Code:    http.StatusOK,
		Data: map[string]interface{}{
			"content": card.DecodeSlot(slot),
			"blank":   card.IsBlank(slot),
			"hex":     hex.EncodeToString(slot),
		},
	})
}

// WipeHandler schedules a wipe of the card on the reader.
func (h *Handler) WipeHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.st.ManualWipe(r.Context()); err != nil {
		h.fail(w, "wipe not scheduled", err)
		return
	}
	h.createResponse(w, Response{
		Message: "ok",
		Code:    http.StatusAccepted,
		Data:    map[string]interface{}{"status": "wipe scheduled"},
	})
}

// authenticator rejects requests without a valid staff token.
func (h *Handler) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			msg := "missing token"
			if err != nil {
				msg = err.Error()
			}
			h.createResponse(w, Response{Message: "unauthorized", Code: http.StatusUnauthorized, Error: msg})
			return
		}
		if role, _ := claims["role"].(string); role != staffRole {
			h.createResponse(w, Response{Message: "forbidden", Code: http.StatusForbidden, Error: "staff role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps station errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, card.ErrInvalidID):
		code = http.StatusBadRequest
	case errors.Is(err, card.ErrNoCard):
		code = http.StatusNotFound
	case errors.Is(err, station.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	h.createResponse(w, Response{Message: msg, Code: code, Error: err.Error()})
}

// returnID extracts "uid" from a finalize body. It returns "" only when
// the key is absent; a present uid must be a non-empty string.
func returnID(payload json.RawMessage) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", err
	}
	raw, ok := fields["uid"]
	if !ok {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", errors.New("uid must be a non-empty string")
	}
	return id, nil
}

// readObject returns the request body, which must be empty or a JSON
// object. An empty body reads as {}.
func readObject(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, errBadJSON
	}
	return json.RawMessage(body), nil
}
