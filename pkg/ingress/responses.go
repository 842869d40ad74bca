package ingress

// IngestResponse is returned by POST /v1/traces when at least one span was
// appended to the stream.
type IngestResponse struct {
	Status      string `json:"status"`
	SpansQueued int    `json:"spans_queued"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready bool `json:"ready"`
}
