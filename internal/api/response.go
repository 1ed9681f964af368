package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/validate"
)

// jsonResponse writes a JSON response with the given status code.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("encoding response", "error", err)
		}
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// maxBodyBytes bounds request bodies; a push batch is the largest legitimate one.
const maxBodyBytes = 8 << 20

// decodeJSON decodes a JSON request body into the given target.
func decodeJSON(r *http.Request, target any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(target)
}

// pathID parses the {id} path value.
func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

type errorBody struct {
	Error string          `json:"error"`
	Code  model.ErrorCode `json:"code"`
}

// domainError writes err as a coded error when it is a violated invariant and
// as a 500 otherwise.
func domainError(w http.ResponseWriter, err error, fallback string) {
	var ve *validate.Error
	if !errors.As(err, &ve) {
		slog.Error(fallback, "error", err)
		jsonError(w, http.StatusInternalServerError, fallback)
		return
	}
	jsonResponse(w, statusFor(ve.Code), errorBody{Error: ve.Message, Code: ve.Code})
}

func statusFor(code model.ErrorCode) int {
	switch {
	case strings.HasSuffix(string(code), "_NOT_FOUND"):
		return http.StatusNotFound
	case code == model.CodeForbidden:
		return http.StatusForbidden
	case code == model.CodeMalformedMutation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusConflict
	}
}
