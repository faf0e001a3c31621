package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Problem is an RFC 7807 Problem Details body. The sync client parses the
// type URI to classify push rejections, so the URIs below are part of the
// wire contract.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemKind struct {
	uri   string
	title string
}

var problemKinds = map[int]problemKind{
	http.StatusUnauthorized:        {"https://tether.dev/errors/unauthorized", "Unauthorized"},
	http.StatusBadRequest:          {"https://tether.dev/errors/bad-request", "Bad Request"},
	http.StatusNotFound:            {"https://tether.dev/errors/not-found", "Not Found"},
	http.StatusConflict:            {"https://tether.dev/errors/conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"https://tether.dev/errors/validation-error", "Validation Error"},
	http.StatusInternalServerError: {"https://tether.dev/errors/internal-error", "Internal Server Error"},
}

// WriteProblem writes an application/problem+json response for status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	kind, ok := problemKinds[status]
	if !ok {
		kind = problemKind{"https://tether.dev/errors/unknown", http.StatusText(status)}
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(Problem{
		Type:     kind.uri,
		Title:    kind.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
	if err != nil {
		slog.Error("encode problem response", "component", "devserver", "error", err)
	}
}
