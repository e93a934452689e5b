// Package httpx holds the JSON response helpers shared by every handler.
package httpx

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/nicktill/tinykpi/pkg/logging"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondCached writes data with a strong ETag derived from the encoded body
// and answers 304 when the client already holds it.
func RespondCached(w http.ResponseWriter, r *http.Request, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes {"error": code, "message": message}.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// RespondStatus writes an error named after the HTTP status text.
func RespondStatus(w http.ResponseWriter, status int, err error) {
	RespondError(w, status, http.StatusText(status), err.Error())
}

// DecodeJSON decodes a size-limited request body into v. Oversized bodies
// return an *http.MaxBytesError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// IsTooLarge reports whether err came from an exceeded MaxBytesReader.
func IsTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
