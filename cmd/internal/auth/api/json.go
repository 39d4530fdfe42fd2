package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

var (
	errEmptyBody    = errors.New("empty body")
	errTrailingData = errors.New("extra data after JSON object")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail, Code: code})
}

func writeServerError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

// decode wraps decodeJSON and writes the 400 or 413 answer itself.
// It reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
	return false
}
