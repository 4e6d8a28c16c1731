package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrAuthFailed       = errors.New("API key invalid")
	ErrKeepAliveInvalid = errors.New("Keep alive key invalid value")
	ErrStorageInvalid   = errors.New("Storage key invalid value")
	ErrPriorityInvalid  = errors.New("Priority key invalid value")
	ErrTimeout          = errors.New("Job timeout")
)

// detail is the error body shape on every failing response.
type detail struct {
	Detail string `json:"detail"`
}

func writeDetail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(detail{Detail: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw sends an already-encoded JSON payload.
func writeRaw(w http.ResponseWriter, code int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}
