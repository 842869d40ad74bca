package ingress

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentstack/pipeline/pkg/bus"
	"github.com/agentstack/pipeline/pkg/keydir"
)

// Machine-readable error codes carried in ErrorResponse.Error.
const (
	codeUnauthorized = "unauthorized"
	codeBadRequest   = "bad_request"
	codeTooLarge     = "payload_too_large"
	codeUnavailable  = "unavailable"
	codeInternal     = "internal"
)

var (
	errMissingKey   = errors.New("missing api key")
	errBodyTooLarge = errors.New("request body exceeds the size limit")
	errBadPayload   = errors.New("bad request payload")
	errNoValidSpans = errors.New("no valid spans in request")
)

// mapIngestError maps a handler error to its HTTP status and response body.
// Missing and unknown keys share one message so the endpoint does not confirm
// which keys exist.
func mapIngestError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, errMissingKey), errors.Is(err, keydir.ErrUnknownKey):
		return http.StatusUnauthorized, ErrorResponse{
			Error:  codeUnauthorized,
			Detail: "missing or unrecognized api key",
		}
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:  codeTooLarge,
			Detail: "request body exceeds the size limit after decompression",
		}
	case errors.Is(err, keydir.ErrUnavailable), errors.Is(err, bus.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:  codeUnavailable,
			Detail: "a backing service is unavailable, retry shortly",
		}
	case errors.Is(err, errBadPayload), errors.Is(err, errNoValidSpans):
		return http.StatusBadRequest, ErrorResponse{
			Error:  codeBadRequest,
			Detail: err.Error(),
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:  codeInternal,
			Detail: "internal server error",
		}
	}
}

// respondError renders err through mapIngestError. Unavailable responses
// carry a Retry-After hint so well-behaved clients back off.
func (s *Server) respondError(c *echo.Context, err error) error {
	status, body := mapIngestError(err)
	switch status {
	case http.StatusInternalServerError:
		s.log.Error("Unexpected ingest error", "error", err)
	case http.StatusServiceUnavailable:
		c.Response().Header().Set("Retry-After", "5")
	}
	return c.JSON(status, body)
}
