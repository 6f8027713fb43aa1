package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ActorHeader carries the authenticated caller id set by the gateway.
const ActorHeader = "X-User-Id"

func ActorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
