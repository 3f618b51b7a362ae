package api

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/credentials"
	"github.com/livechat/internal/prompts"
)

// SSEHeaders are set on every completion stream response
var SSEHeaders = map[string]string{
	echo.HeaderContentType: "text/event-stream",
	"Cache-Control":        "no-cache",
	"Connection":           "keep-alive",
	"X-Accel-Buffering":    "no",
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// handleCompletion validates the request and streams the completion. After
// the headers are written the HTTP status is always 200; the done envelope
// carries the real outcome.
func (s *Server) handleCompletion(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read completion request body")
		s.metrics.RecordRejected("read_body")
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "Internal server error",
			Details: err.Error(),
		})
	}

	req, details := parseCompletionRequest(raw)
	if details != nil {
		log.Warn().Strs("fields", details.Fields()).Msg("Completion request failed validation")
		s.metrics.RecordRejected("invalid_body")
		return c.JSON(http.StatusBadRequest, errorResponse{
			Error:   "Invalid request body",
			Details: details,
		})
	}

	resp := c.Response()
	for k, v := range SSEHeaders {
		resp.Header().Set(k, v)
	}
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	s.completion.Run(c.Request().Context(), req, s.geo(c.Request()), resp)
	return nil
}

func (s *Server) handleCheckEnvKeys(c echo.Context) error {
	return c.JSON(http.StatusOK, credentials.Probe(s.completion.ServerKeys()))
}

// geo reads the caller location from the edge headers. Values arrive
// URL-encoded.
func (s *Server) geo(r *http.Request) prompts.Geo {
	return prompts.Geo{
		City:    headerValue(r, s.cfg.GeoCityHeader),
		Country: headerValue(r, s.cfg.GeoCountryHeader),
	}
}

func headerValue(r *http.Request, name string) string {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return ""
	}
	if decoded, err := url.QueryUnescape(v); err == nil {
		return decoded
	}
	return v
}
