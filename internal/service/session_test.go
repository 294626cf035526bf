package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/basemap/auth-service/internal/models"
	"github.com/basemap/auth-service/internal/repo"
	"github.com/basemap/auth-service/internal/secrets"
	"github.com/basemap/auth-service/pkg/hash"
	"github.com/basemap/auth-service/pkg/webtoken"
)

const (
	testPassword      = "Secret123"
	testAccessSecret  = "test-access-secret"
	testRefreshSecret = "test-refresh-secret"
)

func newTestService(t *testing.T) *SessionService {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// One connection: every pooled conn to :memory: is a separate database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.User{}))

	return &SessionService{
		Repo: repo.GormRepo{DB: db},
		Secrets: secrets.Static{
			"access-jwt":  testAccessSecret,
			"refresh-jwt": testRefreshSecret,
		},
		AccessSecretName:  "access-jwt",
		RefreshSecretName: "refresh-jwt",
	}
}

func seedUser(t *testing.T, s *SessionService, username string, verified bool) *models.User {
	t.Helper()

	pwHash, err := hash.HashPassword(testPassword)
	require.NoError(t, err)

	user := &models.User{
		Username:     username,
		PasswordHash: pwHash,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        username + "@example.com",
		IsVerified:   verified,
	}
	require.NoError(t, s.Repo.CreateUser(context.Background(), user))
	return user
}

func TestLogin_UnknownUserAndWrongPassword_SameError(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "ada", true)

	_, unknownErr := s.Login(ctx, "nobody", testPassword)
	_, wrongErr := s.Login(ctx, "ada", "wrong-password")

	require.Error(t, unknownErr)
	require.Error(t, wrongErr)
	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	// Identical errors: no way to probe which usernames exist.
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	before := time.Now().Add(-time.Second)
	res, err := s.Login(ctx, "ada", testPassword)
	after := time.Now().Add(time.Second)

	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "ada", res.Username)
	assert.Equal(t, "Ada", res.FirstName)

	stored, err := s.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)

	require.NotNil(t, stored.LastLoginDate)
	assert.True(t, stored.LastLoginDate.After(before))
	assert.True(t, stored.LastLoginDate.Before(after))

	require.NotEmpty(t, stored.RefreshToken)
	refreshClaims, err := webtoken.Parse(stored.RefreshToken, []byte(testRefreshSecret))
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), refreshClaims.Subject)
}

func TestLogin_AccessTokenClaimsMatchUser(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	res, err := s.Login(ctx, "ada", testPassword)
	require.NoError(t, err)

	claims, err := webtoken.Parse(res.AccessToken, []byte(testAccessSecret))
	require.NoError(t, err)

	assert.Equal(t, "Ada", claims.Name.First)
	assert.Equal(t, "Lovelace", claims.Name.Last)
	assert.Equal(t, "ada", claims.Username)
	assert.Equal(t, "ada@example.com", claims.Email)
	assert.Equal(t, user.ID.String(), claims.Subject)
}

func TestLogin_UnverifiedUser_NoTokensIssued(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", false)

	res, err := s.Login(ctx, "ada", testPassword)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotVerified)

	stored, err := s.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.RefreshToken)
	assert.Nil(t, stored.LastLoginDate)
}

func TestLogin_SecretProviderFailure_NoTokenStored(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	s.Secrets = secrets.Static{} // provider has nothing to serve

	res, err := s.Login(ctx, "ada", testPassword)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)

	stored, err := s.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.RefreshToken)
}

func TestRefresh_RotatesStoredToken(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	res, err := s.Login(ctx, "ada", testPassword)
	require.NoError(t, err)

	before, err := s.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	oldRefresh := before.RefreshToken

	refreshed, err := s.Refresh(ctx, res.AccessToken)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.AccessToken)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, oldRefresh, refreshed.RefreshToken)

	after, err := s.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, refreshed.RefreshToken, after.RefreshToken)

	// The superseded refresh token lost its validity at rotation time.
	_, err = s.Refresh(ctx, oldRefresh)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	// The rotated value keeps working.
	_, err = s.Refresh(ctx, after.RefreshToken)
	require.NoError(t, err)
}

func TestRefresh_UnknownSubject(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	// Token for a user that does not exist in the store.
	token, err := webtoken.Issue(webtoken.Claims{
		Name:     webtoken.Name{First: "No", Last: "One"},
		Username: "ghost",
		Email:    "ghost@example.com",
	}, []byte(testAccessSecret), webtoken.AccessLifetime, "7f2c2b43-8c8e-4f19-9b5e-91a4f4f4b111")
	require.NoError(t, err)

	_, err = s.Refresh(ctx, token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefresh_UndecodableToken(t *testing.T) {
	t.Parallel()

	s := newTestService(t)

	_, err := s.Refresh(context.Background(), "not-a-jwt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefresh_NoActiveSession(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	token, err := webtoken.Issue(webtoken.Claims{
		Username: "ada",
		Email:    "ada@example.com",
	}, []byte(testAccessSecret), webtoken.AccessLifetime, user.ID.String())
	require.NoError(t, err)

	_, err = s.Refresh(ctx, token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefresh_ExpiredStoredToken(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	expired, err := webtoken.Issue(webtoken.Claims{
		Username: "ada",
		Email:    "ada@example.com",
	}, []byte(testRefreshSecret), -time.Minute, user.ID.String())
	require.NoError(t, err)
	require.NoError(t, s.Repo.SetRefreshToken(ctx, user.ID, expired))

	access, err := webtoken.Issue(webtoken.Claims{
		Username: "ada",
		Email:    "ada@example.com",
	}, []byte(testAccessSecret), webtoken.AccessLifetime, user.ID.String())
	require.NoError(t, err)

	_, err = s.Refresh(ctx, access)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRefresh_ClaimsRebuiltFromCurrentRecord(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	res, err := s.Login(ctx, "ada", testPassword)
	require.NoError(t, err)

	// Record changes after the token was issued.
	require.NoError(t, s.Repo.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("first_name", "Augusta").Error)

	refreshed, err := s.Refresh(ctx, res.AccessToken)
	require.NoError(t, err)

	claims, err := webtoken.Parse(refreshed.AccessToken, []byte(testAccessSecret))
	require.NoError(t, err)
	assert.Equal(t, "Augusta", claims.Name.First)
}

func TestRefresh_ConcurrentCalls_OneRotationWins(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	user := seedUser(t, s, "ada", true)

	_, err := s.Login(ctx, "ada", testPassword)
	require.NoError(t, err)

	stored, err := s.Repo.FindByID(ctx, user.ID)
	require.NoError(t, err)
	current := stored.RefreshToken

	const callers = 2
	results := make([]error, callers)

	var start sync.WaitGroup
	start.Add(1)
	var done sync.WaitGroup
	for i := 0; i < callers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			// Both present the same current refresh token; the swap guard
			// lets exactly one rotation through.
			_, results[i] = s.Refresh(ctx, current)
		}(i)
	}
	start.Done()
	done.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInvalidRefresh):
			losses++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one rotation must win")
	assert.Equal(t, 1, losses, "the other call must be rejected")
}

func TestLoginAndRefresh_Validation(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Login(ctx, "", "pw")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.Login(ctx, "user", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.Refresh(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)
}
