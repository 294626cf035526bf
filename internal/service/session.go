package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basemap/auth-service/internal/audit"
	"github.com/basemap/auth-service/internal/events"
	"github.com/basemap/auth-service/internal/models"
	"github.com/basemap/auth-service/internal/repo"
	"github.com/basemap/auth-service/internal/secrets"
	"github.com/basemap/auth-service/pkg/hash"
	"github.com/basemap/auth-service/pkg/logging"
	"github.com/basemap/auth-service/pkg/webtoken"
)

var (
	ErrValidation         = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNotVerified        = errors.New("account not verified")
	ErrInvalidRefresh     = errors.New("invalid refresh token")
)

// SessionService sequences credential verification, token issuance and
// refresh-token persistence for login and refresh.
type SessionService struct {
	Repo    repo.GormRepo
	Secrets secrets.Provider

	AccessSecretName  string
	RefreshSecretName string

	// Optional, best-effort sinks. Failures are logged, never surfaced.
	Events *events.Producer
	Audit  *audit.Sink
}

type LoginResult struct {
	AccessToken string
	AccessExp   time.Time
	Username    string
	FirstName   string
}

type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

func claimsFor(user *models.User) webtoken.Claims {
	return webtoken.Claims{
		Name: webtoken.Name{
			First: user.FirstName,
			Last:  user.LastName,
		},
		Username: user.Username,
		Email:    user.Email,
	}
}

// secretPair fetches both signing secrets. Any failure aborts the request:
// signing with an empty secret is never an option.
func (s *SessionService) secretPair(ctx context.Context) (access, refresh []byte, err error) {
	accessStr, err := s.Secrets.Get(ctx, s.AccessSecretName)
	if err != nil {
		return nil, nil, fmt.Errorf("access secret: %w", err)
	}
	refreshStr, err := s.Secrets.Get(ctx, s.RefreshSecretName)
	if err != nil {
		return nil, nil, fmt.Errorf("refresh secret: %w", err)
	}
	return []byte(accessStr), []byte(refreshStr), nil
}

// Login verifies credentials and issues a fresh access/refresh pair. The
// last-login timestamp and the new refresh token are persisted before
// returning; nothing is fire-and-forget.
func (s *SessionService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "session.login", "username", username)

	if username == "" || password == "" {
		return nil, ErrValidation
	}

	user, err := s.Repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			// Uniform with a wrong password so usernames cannot be probed.
			l.Warn("login_failed", "status", 401, "reason", "unknown username")
			return nil, ErrInvalidCredentials
		}
		l.Error("login_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("find user: %w", err)
	}

	if !hash.CheckPassword(user.PasswordHash, password) {
		l.Warn("login_failed", "status", 401, "reason", "wrong password")
		return nil, ErrInvalidCredentials
	}

	if !user.IsVerified {
		l.Warn("login_failed", "status", 401, "reason", "account not verified")
		return nil, ErrNotVerified
	}

	now := time.Now()
	if err := s.Repo.TouchLastLogin(ctx, user.ID, now); err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("update last login: %w", err)
	}

	accessSecret, refreshSecret, err := s.secretPair(ctx)
	if err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, err
	}

	claims := claimsFor(user)
	subject := user.ID.String()

	accessExp := now.Add(webtoken.AccessLifetime)
	accessToken, err := webtoken.Issue(claims, accessSecret, webtoken.AccessLifetime, subject)
	if err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	refreshToken, err := webtoken.Issue(claims, refreshSecret, webtoken.RefreshLifetime, subject)
	if err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	if err := s.Repo.SetRefreshToken(ctx, user.ID, refreshToken); err != nil {
		l.Error("login_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	s.record(ctx, events.UserEvent{
		Type:     events.TypeLogin,
		UserID:   subject,
		Username: user.Username,
		At:       now,
	})

	l.Info("login_successful")
	return &LoginResult{
		AccessToken: accessToken,
		AccessExp:   accessExp,
		Username:    user.Username,
		FirstName:   user.FirstName,
	}, nil
}

// Refresh exchanges a previously issued token for a new access/refresh
// pair. The posted token is decoded WITHOUT verification, only to locate
// the user record; the security check is verifying the stored refresh
// token against the refresh secret. On success the stored token is rotated
// with a compare-and-swap, so of two concurrent refreshes exactly one wins.
func (s *SessionService) Refresh(ctx context.Context, tokenStr string) (*RefreshResult, error) {
	l := logging.FromContext(ctx).With("svc", "session.refresh")

	if tokenStr == "" {
		return nil, ErrValidation
	}

	decoded, err := webtoken.Decode(tokenStr)
	if err != nil {
		l.Warn("refresh_rejected", "status", 403, "reason", "undecodable token")
		return nil, ErrInvalidRefresh
	}

	userID, err := uuid.Parse(decoded.Subject)
	if err != nil {
		l.Warn("refresh_rejected", "status", 403, "reason", "bad subject")
		return nil, ErrInvalidRefresh
	}

	user, err := s.Repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("refresh_rejected", "status", 403, "reason", "unknown user")
			return nil, ErrInvalidRefresh
		}
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("find user: %w", err)
	}

	oldRefresh := user.RefreshToken
	if oldRefresh == "" {
		l.Warn("refresh_rejected", "status", 403, "reason", "no active refresh token")
		return nil, ErrInvalidRefresh
	}

	accessSecret, refreshSecret, err := s.secretPair(ctx)
	if err != nil {
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, err
	}

	// The stored token, not the posted one, is what grants the rotation.
	if _, err := webtoken.Parse(oldRefresh, refreshSecret); err != nil {
		l.Warn("refresh_rejected", "status", 403, "reason", "stored token invalid or expired")
		return nil, ErrInvalidRefresh
	}

	// A refresh-signed token other than the stored one is a superseded
	// value from an earlier rotation; it lost refresh validity the moment
	// it was overwritten, expired or not. Access tokens route through on
	// the stored-token check alone.
	if tokenStr != oldRefresh {
		if _, err := webtoken.Parse(tokenStr, refreshSecret); err == nil {
			l.Warn("refresh_rejected", "status", 403, "reason", "superseded refresh token")
			return nil, ErrInvalidRefresh
		}
	}

	// Claims rebuilt from the current record, not the decoded token's
	// stale snapshot.
	claims := claimsFor(user)
	subject := user.ID.String()
	now := time.Now()

	accessExp := now.Add(webtoken.AccessLifetime)
	accessToken, err := webtoken.Issue(claims, accessSecret, webtoken.AccessLifetime, subject)
	if err != nil {
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	refreshExp := now.Add(webtoken.RefreshLifetime)
	newRefresh, err := webtoken.Issue(claims, refreshSecret, webtoken.RefreshLifetime, subject)
	if err != nil {
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	if err := s.Repo.SwapRefreshToken(ctx, user.ID, oldRefresh, newRefresh); err != nil {
		if errors.Is(err, repo.ErrRefreshSuperseded) {
			l.Warn("refresh_rejected", "status", 403, "reason", "lost rotation race")
			return nil, ErrInvalidRefresh
		}
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	s.record(ctx, events.UserEvent{
		Type:     events.TypeRefresh,
		UserID:   subject,
		Username: user.Username,
		At:       now,
	})

	l.Info("refresh_successful")
	return &RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func (s *SessionService) record(ctx context.Context, ev events.UserEvent) {
	l := logging.FromContext(ctx)
	if s.Events != nil {
		if err := s.Events.Publish(ctx, ev); err != nil {
			l.Warn("event_publish_failed", "type", ev.Type, "error", err)
		}
	}
	if s.Audit != nil {
		if err := s.Audit.Index(ctx, ev); err != nil {
			l.Warn("audit_index_failed", "type", ev.Type, "error", err)
		}
	}
}
