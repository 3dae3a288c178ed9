package rest

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/sourcewell/goldenindex/internal/jobs"
	"github.com/sourcewell/goldenindex/internal/model"
)

// errorResponse is the standard JSON error body every handler returns on
// failure, mirroring http.ErrorResponse/CustomHTTPErrorHandler's shape.
type errorResponse struct {
	Error string `json:"error"`
}

func fail(c echo.Context, status int, err error) error {
	return c.JSON(status, errorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch err {
	case model.ErrAliasUnknown, model.ErrHandleUnknown:
		return http.StatusNotFound
	case model.ErrAliasExists:
		return http.StatusConflict
	case model.ErrForbidden:
		return http.StatusForbidden
	case model.ErrUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrInvalidParameter, model.ErrHandleExpired:
		return http.StatusBadRequest
	case model.ErrInFlight:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// tokenRequest/tokenResponse mirror api.TokenRequest/TokenResponse.
type tokenRequest struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// IssueToken handles POST /auth/token. It exists only because this server
// must issue tokens for *something* to exercise AccessResolver end to end
// -- a production deployment would front this with a real identity
// provider and skip this endpoint entirely.
func (s *Server) IssueToken(c echo.Context) error {
	var req tokenRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}
	if req.Username == "" {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}
	token, err := s.tokens.IssueToken(req.Username, req.Roles)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token})
}

type searchRequest struct {
	Query   string   `json:"query"`
	Aliases []string `json:"aliases"`
	Limit   int      `json:"limit"`
}

// Search handles POST /v1/api/search.
func (s *Server) Search(c echo.Context) error {
	user, ok := GetUser(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, model.ErrUnauthenticated)
	}

	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}
	if req.Query == "" {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	result, err := s.coord.Search(c.Request().Context(), user.Username, req.Query, req.Aliases, limit)
	if err != nil {
		return fail(c, statusForError(err), err)
	}
	return c.JSON(http.StatusOK, result)
}

type addGoldenRequest struct {
	Alias     string `json:"alias"`
	SourceURL string `json:"sourceURL"`
}

// AddGolden handles POST /v1/api/goldens. Restricted to admins.
func (s *Server) AddGolden(c echo.Context) error {
	user, ok := GetUser(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, model.ErrUnauthenticated)
	}
	if err := s.requireAdmin(user.Username); err != nil {
		return fail(c, statusForError(err), err)
	}

	var req addGoldenRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}
	if req.Alias == "" || req.SourceURL == "" {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}

	repo, err := s.coord.AddGolden(c.Request().Context(), req.Alias, req.SourceURL)
	if err != nil {
		return fail(c, statusForError(err), err)
	}
	return c.JSON(http.StatusCreated, repo)
}

// RefreshGolden handles POST /v1/api/goldens/:alias/refresh.
func (s *Server) RefreshGolden(c echo.Context) error {
	user, ok := GetUser(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, model.ErrUnauthenticated)
	}
	if err := s.requireAdmin(user.Username); err != nil {
		return fail(c, statusForError(err), err)
	}

	alias := c.Param("alias")
	if alias == "" {
		return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
	}
	if err := s.coord.RefreshGolden(c.Request().Context(), alias); err != nil {
		return fail(c, statusForError(err), err)
	}
	return c.NoContent(http.StatusAccepted)
}

// ListGoldens handles GET /v1/api/goldens.
func (s *Server) ListGoldens(c echo.Context) error {
	repos, err := s.coord.ListGoldens()
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, repos)
}

// GetJob handles GET /v1/api/jobs/:id.
func (s *Server) GetJob(c echo.Context) error {
	job, err := s.coord.GetJob(c.Param("id"))
	if err != nil {
		return fail(c, statusForError(err), err)
	}
	return c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /v1/api/jobs.
func (s *Server) ListJobs(c echo.Context) error {
	filter := jobs.QueryFilter{
		OperationType: model.JobOperation(c.QueryParam("operation")),
		Status:        model.JobStatus(c.QueryParam("status")),
		Username:      c.QueryParam("username"),
	}
	results, err := s.coord.ListJobs(filter)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, results)
}

// GetPayload handles GET /v1/api/payloads/:handle?page=N.
func (s *Server) GetPayload(c echo.Context) error {
	page := 0
	if raw := c.QueryParam("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fail(c, http.StatusBadRequest, model.ErrInvalidParameter)
		}
		page = parsed
	}

	result, err := s.coord.GetPayload(c.Param("handle"), page)
	if err != nil {
		return fail(c, statusForError(err), err)
	}
	return c.JSONBlob(http.StatusOK, result.Content)
}

// Health handles GET /healthz.
func (s *Server) Health(c echo.Context) error {
	status := s.coord.HealthCheck()
	code := http.StatusOK
	if !status.RegistryOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// Events handles GET /v1/api/events, upgrading the connection to a
// websocket that streams job-status transitions (spec §4.5 addendum).
// Restricted to admins, same as the rest of the observability surface.
func (s *Server) Events(c echo.Context) error {
	user, ok := GetUser(c)
	if !ok {
		return fail(c, http.StatusUnauthorized, model.ErrUnauthenticated)
	}
	if err := s.requireAdmin(user.Username); err != nil {
		return fail(c, statusForError(err), err)
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	s.hub.Register(conn)
	return nil
}

// requireAdmin re-checks username's admin status against Coordinator's
// AccessResolver on every call -- never against the JWT's own "roles"
// claim, which can outlive a mid-session role revocation for as long as
// the token remains unexpired (spec §8 invariant 8).
func (s *Server) requireAdmin(username string) error {
	admin, err := s.coord.IsAdmin(username)
	if err != nil {
		return model.ErrUnauthenticated
	}
	if !admin {
		return model.ErrForbidden
	}
	return nil
}
