package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/auth"
	"boardpilot/api/internal/realtime"
	"boardpilot/api/internal/suggestion"
)

const (
	userIDKey = "userID"

	// maxBodyBytes caps every JSON request body.
	maxBodyBytes = 1 << 20
)

type HTTPServer struct {
	service    *Service
	hub        *realtime.Hub
	secret     []byte
	corsOrigin string
	echo       *echo.Echo
}

// NewHTTPServer builds the routed echo instance. hub may be nil, in which
// case websocket upgrades answer 503.
func NewHTTPServer(service *Service, hub *realtime.Hub, secret, corsOrigin string) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		hub:        hub,
		secret:     []byte(secret),
		corsOrigin: corsOrigin,
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 15 * time.Second
	e.Server.IdleTimeout = 60 * time.Second
	e.HTTPErrorHandler = s.handleError
	e.Use(s.withMiddleware)

	e.GET("/api/health", s.handleHealth)
	e.GET("/api/ready", s.handleReady)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api", s.requireUser)
	api.GET("/ws", s.handleWebsocket)

	api.GET("/boards", s.handleListBoards)
	api.POST("/boards", s.handleCreateBoard)
	api.GET("/boards/:id", s.handleGetBoard)
	api.PUT("/boards/:id/context", s.handleUpdateBoardContext)
	api.DELETE("/boards/:id", s.handleDeleteBoard)

	api.POST("/suggestions", s.handleCreateSuggestion)
	api.POST("/suggestions/batch/accept", s.handleBatch(s.service.AcceptSuggestions))
	api.POST("/suggestions/batch/reject", s.handleBatch(s.service.RejectSuggestions))
	api.GET("/suggestions/:id", s.handleGetSuggestion)
	api.PATCH("/suggestions/:id", s.handleModifySuggestion)
	api.POST("/suggestions/:id/accept", s.handleAcceptSuggestion)
	api.POST("/suggestions/:id/reject", s.handleRejectSuggestion)

	api.GET("/sessions/:sessionId/suggestions", s.handleListSuggestions)
	api.GET("/sessions/:sessionId/messages", s.handleSessionMessages)

	s.echo = e
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *HTTPServer) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"chat":     map[string]any{"status": "ok"},
	}
	probes := map[string]func(context.Context) error{
		"database": s.service.Ping,
		"chat":     s.service.PingChat,
	}
	for name, probe := range probes {
		if err := probe(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	return c.JSON(statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleWebsocket(c echo.Context) error {
	if s.hub == nil {
		return domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime updates are not configured", nil)
	}
	sessionID := strings.TrimSpace(c.QueryParam("sessionId"))
	if sessionID == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "sessionId is required", nil)
	}
	if err := s.hub.ServeWS(c.Response(), c.Request(), sessionID); err != nil {
		log.WithFields(log.Fields{"session_id": sessionID, "error": err}).Warn("websocket upgrade failed")
	}
	return nil
}

func (s *HTTPServer) handleListBoards(c echo.Context) error {
	boards, err := s.service.ListBoards(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"boards": boards})
}

func (s *HTTPServer) handleGetBoard(c echo.Context) error {
	board, err := s.service.GetBoard(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"board": board})
}

func (s *HTTPServer) handleCreateBoard(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	result, err := s.service.CreateBoard(c.Request().Context(), userID(c), c.QueryParam("sessionId"), raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *HTTPServer) handleUpdateBoardContext(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	result, err := s.service.UpdateBoardContext(c.Request().Context(), userID(c), c.QueryParam("sessionId"), c.Param("id"), raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteBoard(c echo.Context) error {
	if err := s.service.DeleteBoard(c.Request().Context(), userID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateSuggestion(c echo.Context) error {
	var body suggestion.NewSuggestion
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	item, err := s.service.CreateSuggestion(c.Request().Context(), userID(c), body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"suggestion": item})
}

func (s *HTTPServer) handleGetSuggestion(c echo.Context) error {
	item, err := s.service.GetSuggestion(c.Request().Context(), userID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestion": item})
}

func (s *HTTPServer) handleListSuggestions(c echo.Context) error {
	items, err := s.service.ListSuggestions(c.Request().Context(), userID(c), c.Param("sessionId"), c.QueryParam("status"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestions": items})
}

type decisionBody struct {
	Message string `json:"message"`
}

func (s *HTTPServer) handleAcceptSuggestion(c echo.Context) error {
	var body decisionBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	item, err := s.service.AcceptSuggestion(c.Request().Context(), userID(c), c.Param("id"), body.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestion": item})
}

func (s *HTTPServer) handleRejectSuggestion(c echo.Context) error {
	var body decisionBody
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	item, err := s.service.RejectSuggestion(c.Request().Context(), userID(c), c.Param("id"), body.Message)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestion": item})
}

func (s *HTTPServer) handleModifySuggestion(c echo.Context) error {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(c, &body); err != nil {
		return err
	}
	if len(body.Content) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	item, err := s.service.ModifySuggestion(c.Request().Context(), userID(c), c.Param("id"), body.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestion": item})
}

type batchFunc func(ctx context.Context, userID string, ids []string, message string) (suggestion.BatchResult, error)

func (s *HTTPServer) handleBatch(run batchFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body struct {
			IDs     []string `json:"ids"`
			Message string   `json:"message"`
		}
		if err := decodeBody(c, &body); err != nil {
			return err
		}
		result, err := run(c.Request().Context(), userID(c), body.IDs, body.Message)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, result)
	}
}

func (s *HTTPServer) handleSessionMessages(c echo.Context) error {
	msgs, err := s.service.SessionMessages(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// requireUser resolves the bearer token into the caller's user id. Websocket
// clients cannot set headers, so /api/ws also accepts ?token=.
func (s *HTTPServer) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if errors.Is(err, auth.ErrMissingToken) && c.Path() == "/api/ws" && c.QueryParam("token") != "" {
			token, err = c.QueryParam("token"), nil
		}
		if err != nil {
			return err
		}
		claims, err := auth.ParseToken(s.secret, token)
		if err != nil {
			return err
		}
		c.Set(userIDKey, claims.Subject)
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

func (s *HTTPServer) withMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		requestID := req.Header.Get(echo.HeaderXRequestID)
		if requestID == "" {
			requestID = randomRequestID()
		}
		started := time.Now()
		header := c.Response().Header()
		setCORSHeaders(header, s.corsOrigin)
		header.Set(echo.HeaderXRequestID, requestID)

		var err error
		if req.Method == http.MethodOptions {
			err = c.NoContent(http.StatusNoContent)
		} else if err = next(c); err != nil {
			c.Error(err)
		}

		log.WithFields(log.Fields{
			"request_id":  requestID,
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      c.Response().Status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
		return nil
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
}

func (s *HTTPServer) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	derr := toDomainError(err)
	if derr.Status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
			"error":  err,
		}).Error("request failed")
	}
	writeError(c, derr.Status, derr.Code, derr.Message, derr.Details)
}

func writeError(c echo.Context, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	_ = c.JSON(status, response)
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body := c.Request().Body
	if body == nil {
		return nil, nil
	}
	defer body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(c.Response(), body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, err
		}
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "could not read request body", nil)
	}
	return data, nil
}

func decodeBody(c echo.Context, target any) error {
	data, err := readBody(c)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
	}
	return nil
}
