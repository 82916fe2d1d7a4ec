package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/barisgudul/Therapy-New-sub003/internal/models"
	"github.com/barisgudul/Therapy-New-sub003/internal/pipeline"
)

// Messages for errors whose detail is not shown to clients.
const (
	msgStorageUnavailable = "storage temporarily unavailable, please retry"
	msgInvalidJSON        = "invalid JSON body"
)

// fallbackErrorResponse is written when a response cannot be marshaled.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("failed to marshal fallback error response: %v", err))
	}
}

// writeJSONResponse marshals response before writing headers so an encoding
// failure can still produce a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		data = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}

// writeError maps a pipeline error to a status code and client message.
// ValidationError -> 400, DatabaseError -> 503, anything else -> 500.
func writeError(w http.ResponseWriter, err error) {
	var v *pipeline.ValidationError
	var d *pipeline.DatabaseError
	switch {
	case errors.As(err, &v):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(v.Message))
	case errors.As(err, &d):
		slog.Error("Server: database error", "op", d.Op, "error", d.Err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(msgStorageUnavailable))
	default:
		slog.Error("Server: request failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(pipeline.MsgRequestFailed))
	}
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
