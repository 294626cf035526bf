package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/basemap/auth-service/internal/service"
	"github.com/basemap/auth-service/pkg/logging"
	"github.com/basemap/auth-service/pkg/webtoken"
)

// AccessCookieName is the browser-session cookie carrying the access token.
const AccessCookieName = "phc"

const notVerifiedMessage = "User does not correspond to a verified account, " +
	"please check your email and verify your account if you already registered"

type SessionHTTP struct {
	Svc *service.SessionService
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

func failJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, echo.Map{
		"status": "Fail",
		"error":  msg,
	})
}

// Login handles POST /login.
func (h *SessionHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "session_login")

	var req loginRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return failJSON(c, http.StatusBadRequest, "invalid body")
	}

	// All validation problems are collected into one message list.
	req.Username = strings.TrimSpace(req.Username)
	req.Password = strings.TrimSpace(req.Password)
	var problems []string
	if req.Username == "" {
		problems = append(problems, "Invalid input for username")
	}
	if req.Password == "" {
		problems = append(problems, "Invalid input for password")
	}
	if len(problems) > 0 {
		l.Warn("login_error", "status", 400, "reason", "validation")
		return failJSON(c, http.StatusBadRequest, strings.Join(problems, "\n"))
	}

	res, err := h.Svc.Login(ctx, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotVerified):
			return failJSON(c, http.StatusUnauthorized, notVerifiedMessage)
		case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrValidation):
			return failJSON(c, http.StatusUnauthorized, "Invalid username or password")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
	}

	c.SetCookie(webtoken.CreateCookie(AccessCookieName, res.AccessToken, "/", res.AccessExp))

	return c.JSON(http.StatusOK, echo.Map{
		"status":    "Success",
		"token":     res.AccessToken,
		"username":  res.Username,
		"firstName": res.FirstName,
	})
}

// Refresh handles POST /login/token.
func (h *SessionHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "session_refresh")

	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		l.Warn("refresh_error", "status", 400, "error", err)
		return failJSON(c, http.StatusBadRequest, "invalid body")
	}

	if strings.TrimSpace(req.Token) == "" {
		l.Warn("refresh_error", "status", 400, "reason", "validation")
		return failJSON(c, http.StatusBadRequest, "An access token is required")
	}

	res, err := h.Svc.Refresh(ctx, strings.TrimSpace(req.Token))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRefresh), errors.Is(err, service.ErrValidation):
			// No body detail on authorization failures.
			return c.NoContent(http.StatusForbidden)
		default:
			return echo.NewHTTPError(http.StatusInternalServerError)
		}
	}

	return c.JSON(http.StatusOK, echo.Map{
		"accessToken":  res.AccessToken,
		"refreshToken": res.RefreshToken,
	})
}
