package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"account_service/internal/apperror"
	"account_service/internal/config"
	jwtlib "account_service/internal/lib/jwt"
	"account_service/internal/lib/recovery"
	"account_service/internal/models"
	"account_service/internal/storage"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type fakeStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*models.User)}
}

func (s *fakeStore) SaveUser(_ context.Context, name, email string, passHash []byte) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))

	for _, u := range s.users {
		if u.Email == email {
			return models.User{}, storage.ErrUserExists
		}
	}

	now := time.Now().UTC()
	user := models.User{
		ID:        bson.NewObjectID(),
		Name:      name,
		Email:     email,
		PassHash:  passHash,
		Role:      models.RoleUser,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.users[user.ID.Hex()] = &user

	return user, nil
}

func (s *fakeStore) UserByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))

	for _, u := range s.users {
		if u.Email == email {
			return *u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *fakeStore) UserByID(_ context.Context, id string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[id]; ok {
		return *u, nil
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *fakeStore) UserByResetToken(_ context.Context, tokenHash string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ResetTokenHash == tokenHash && u.ResetTokenExpire.After(time.Now()) {
			return *u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *fakeStore) UserByVerificationToken(_ context.Context, tokenHash string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.VerifyTokenHash == tokenHash && u.VerifyTokenExpire.After(time.Now()) {
			return *u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *fakeStore) UpdateRefreshToken(_ context.Context, userID string, refreshToken string) error {
	return s.mutate(userID, func(u *models.User) {
		u.RefreshToken = refreshToken
	})
}

func (s *fakeStore) SetPasswordResetToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return s.mutate(userID, func(u *models.User) {
		u.ResetTokenHash = tokenHash
		u.ResetTokenExpire = expiresAt
	})
}

func (s *fakeStore) SetVerificationToken(_ context.Context, userID, tokenHash string, expiresAt time.Time) error {
	return s.mutate(userID, func(u *models.User) {
		u.VerifyTokenHash = tokenHash
		u.VerifyTokenExpire = expiresAt
	})
}

func (s *fakeStore) UpdatePassword(_ context.Context, userID string, passHash []byte) error {
	return s.mutate(userID, func(u *models.User) {
		u.PassHash = passHash
		u.ResetTokenHash = ""
		u.ResetTokenExpire = time.Time{}
	})
}

func (s *fakeStore) MarkEmailVerified(_ context.Context, userID string) error {
	return s.mutate(userID, func(u *models.User) {
		u.IsEmailVerified = true
		u.VerifyTokenHash = ""
		u.VerifyTokenExpire = time.Time{}
	})
}

func (s *fakeStore) mutate(userID string, fn func(u *models.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}

	fn(u)
	u.UpdatedAt = time.Now().UTC()

	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []models.EmailMessage
	fail bool
}

func (p *fakePublisher) SendMessage(_ context.Context, msg models.EmailMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail {
		return errors.New("broker unavailable")
	}

	p.sent = append(p.sent, msg)

	return nil
}

func (p *fakePublisher) last(t *testing.T) models.EmailMessage {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	require.NotEmpty(t, p.sent, "expected at least one queued email")

	return p.sent[len(p.sent)-1]
}

// rawTokenFromLink extracts the raw recovery token from an emailed link.
func rawTokenFromLink(t *testing.T, link string) string {
	t.Helper()

	idx := strings.LastIndex(link, "/")
	require.Greater(t, idx, 0, "link must contain a token segment: %s", link)

	return link[idx+1:]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTokens() *jwtlib.Manager {
	return jwtlib.New(config.Tokens{
		AccessTokenSecret:  "test-access-secret",
		AccessTokenTTL:     time.Hour,
		RefreshTokenSecret: "test-refresh-secret",
		RefreshTokenTTL:    24 * time.Hour,
	})
}

func newTestAuth(store *fakeStore, pub *fakePublisher, resetTTL time.Duration) *Auth {
	return New(
		discardLogger(),
		store,
		store,
		testTokens(),
		pub,
		resetTTL,
		24*time.Hour,
		"http://localhost:3000",
	)
}

func requireKind(t *testing.T, err error, kind apperror.Kind) *apperror.Error {
	t.Helper()

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, kind, appErr.Kind)

	return appErr
}

func TestRegisterThenLogin(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	a := newTestAuth(store, pub, 10*time.Minute)
	ctx := context.Background()

	user, regPair, err := a.Register(ctx, "Ana", "Ana@X.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, "ana@x.com", user.Email)
	require.NotEmpty(t, regPair.AccessToken)
	require.NotEmpty(t, regPair.RefreshToken)

	// registration queues a verification email
	msg := pub.last(t)
	require.Equal(t, models.PurposeEmailVerification, msg.Purpose)
	require.Equal(t, "ana@x.com", msg.Email)

	loginUser, loginPair, err := a.Login(ctx, "ana@x.com", "secret1")
	require.NoError(t, err)
	require.Equal(t, user.ID, loginUser.ID)
	require.NotEqual(t, regPair.AccessToken, loginPair.AccessToken)
	require.NotEqual(t, regPair.RefreshToken, loginPair.RefreshToken)

	claims, err := testTokens().ParseAccessToken(loginPair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID.Hex(), claims.UserID)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newTestAuth(store, &fakePublisher{}, 10*time.Minute)
	ctx := context.Background()

	_, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, _, err = a.Register(ctx, "Other", "ANA@x.com", "secret2")
	requireKind(t, err, apperror.KindConflict)
}

func TestRegister_EmailFailureDoesNotRollBack(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{fail: true}
	a := newTestAuth(store, pub, 10*time.Minute)
	ctx := context.Background()

	user, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	stored, err := store.UserByID(ctx, user.ID.Hex())
	require.NoError(t, err)
	require.NotEmpty(t, stored.VerifyTokenHash, "verification token must survive a failed email publish")
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newTestAuth(store, &fakePublisher{}, 10*time.Minute)
	ctx := context.Background()

	user, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, _, errWrongPass := a.Login(ctx, "ana@x.com", "wrong")
	wrongPass := requireKind(t, errWrongPass, apperror.KindUnauthorized)

	_, _, errNoUser := a.Login(ctx, "nobody@x.com", "secret1")
	noUser := requireKind(t, errNoUser, apperror.KindUnauthorized)

	require.Equal(t, wrongPass.Message, noUser.Message)

	// deactivated account fails with the same message too
	store.mu.Lock()
	store.users[user.ID.Hex()].IsActive = false
	store.mu.Unlock()

	_, _, errInactive := a.Login(ctx, "ana@x.com", "secret1")
	inactive := requireKind(t, errInactive, apperror.KindUnauthorized)
	require.Equal(t, wrongPass.Message, inactive.Message)
}

func TestRefresh_RotationInvalidatesOldToken(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newTestAuth(store, &fakePublisher{}, 10*time.Minute)
	ctx := context.Background()

	_, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, pair1, err := a.Login(ctx, "ana@x.com", "secret1")
	require.NoError(t, err)

	_, pair2, err := a.Login(ctx, "ana@x.com", "secret1")
	require.NoError(t, err)

	_, err = a.RefreshAccessToken(ctx, pair1.RefreshToken)
	requireKind(t, err, apperror.KindUnauthorized)

	access, err := a.RefreshAccessToken(ctx, pair2.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, access)
}

func TestRefresh_TamperedToken(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newTestAuth(store, &fakePublisher{}, 10*time.Minute)
	ctx := context.Background()

	_, pair, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, err = a.RefreshAccessToken(ctx, pair.RefreshToken+"x")
	requireKind(t, err, apperror.KindUnauthorized)
}

func TestLogout_ClearsRefreshTokenAndIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newTestAuth(store, &fakePublisher{}, 10*time.Minute)
	ctx := context.Background()

	user, pair, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx, user.ID.Hex()))
	require.NoError(t, a.Logout(ctx, user.ID.Hex()))

	_, err = a.RefreshAccessToken(ctx, pair.RefreshToken)
	requireKind(t, err, apperror.KindUnauthorized)
}

func TestForgotPassword_NeverRevealsAccountExistence(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	a := newTestAuth(store, pub, 10*time.Minute)
	ctx := context.Background()

	_, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	sentBefore := len(pub.sent)

	msgKnown, err := a.ForgotPassword(ctx, "ana@x.com")
	require.NoError(t, err)

	msgUnknown, err := a.ForgotPassword(ctx, "nobody@x.com")
	require.NoError(t, err)

	require.Equal(t, msgKnown, msgUnknown)
	require.Len(t, pub.sent, sentBefore+1, "only the existing account gets an email")

	reset := pub.last(t)
	require.Equal(t, models.PurposePasswordReset, reset.Purpose)

	// only the hash is persisted
	raw := rawTokenFromLink(t, reset.Link)
	stored, err := store.UserByEmail(ctx, "ana@x.com")
	require.NoError(t, err)
	require.NotEqual(t, raw, stored.ResetTokenHash)
	require.Equal(t, recovery.HashToken(raw), stored.ResetTokenHash)
}

func TestResetPassword_FullFlow(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	a := newTestAuth(store, pub, 10*time.Minute)
	ctx := context.Background()

	_, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, err = a.ForgotPassword(ctx, "ana@x.com")
	require.NoError(t, err)

	raw := rawTokenFromLink(t, pub.last(t).Link)

	_, err = a.ResetPassword(ctx, raw, "secret2")
	require.NoError(t, err)

	_, _, err = a.Login(ctx, "ana@x.com", "secret2")
	require.NoError(t, err)

	_, _, err = a.Login(ctx, "ana@x.com", "secret1")
	requireKind(t, err, apperror.KindUnauthorized)

	// a consumed token cannot be replayed
	_, err = a.ResetPassword(ctx, raw, "secret3")
	requireKind(t, err, apperror.KindBadRequest)
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	a := newTestAuth(store, pub, -time.Minute)
	ctx := context.Background()

	_, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, err = a.ForgotPassword(ctx, "ana@x.com")
	require.NoError(t, err)

	raw := rawTokenFromLink(t, pub.last(t).Link)

	_, err = a.ResetPassword(ctx, raw, "secret2")
	requireKind(t, err, apperror.KindBadRequest)
}

func TestVerifyEmail_Flow(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	a := newTestAuth(store, pub, 10*time.Minute)
	ctx := context.Background()

	user, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	raw := rawTokenFromLink(t, pub.last(t).Link)

	// tampered token misses the hash lookup
	tampered := []byte(raw)
	if tampered[0] == 'a' {
		tampered[0] = 'b'
	} else {
		tampered[0] = 'a'
	}
	_, err = a.VerifyEmail(ctx, string(tampered))
	requireKind(t, err, apperror.KindBadRequest)

	_, err = a.VerifyEmail(ctx, raw)
	require.NoError(t, err)

	stored, err := store.UserByID(ctx, user.ID.Hex())
	require.NoError(t, err)
	require.True(t, stored.IsEmailVerified)
	require.Empty(t, stored.VerifyTokenHash)

	// consumed token cannot be replayed
	_, err = a.VerifyEmail(ctx, raw)
	requireKind(t, err, apperror.KindBadRequest)
}

func TestResendVerificationEmail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	a := newTestAuth(store, pub, 10*time.Minute)
	ctx := context.Background()

	_, err := a.ResendVerificationEmail(ctx, "nobody@x.com")
	requireKind(t, err, apperror.KindNotFound)

	_, _, err = a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	oldRaw := rawTokenFromLink(t, pub.last(t).Link)

	_, err = a.ResendVerificationEmail(ctx, "ana@x.com")
	require.NoError(t, err)

	newRaw := rawTokenFromLink(t, pub.last(t).Link)
	require.NotEqual(t, oldRaw, newRaw)

	// reissue replaces the old token
	_, err = a.VerifyEmail(ctx, oldRaw)
	requireKind(t, err, apperror.KindBadRequest)

	_, err = a.VerifyEmail(ctx, newRaw)
	require.NoError(t, err)

	_, err = a.ResendVerificationEmail(ctx, "ana@x.com")
	requireKind(t, err, apperror.KindBadRequest)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	a := newTestAuth(store, &fakePublisher{}, 10*time.Minute)
	ctx := context.Background()

	user, _, err := a.Register(ctx, "Ana", "ana@x.com", "secret1")
	require.NoError(t, err)

	_, err = a.ChangePassword(ctx, user.ID.Hex(), "wrong", "secret2")
	requireKind(t, err, apperror.KindUnauthorized)

	_, err = a.ChangePassword(ctx, bson.NewObjectID().Hex(), "secret1", "secret2")
	requireKind(t, err, apperror.KindNotFound)

	_, err = a.ChangePassword(ctx, user.ID.Hex(), "secret1", "secret2")
	require.NoError(t, err)

	_, _, err = a.Login(ctx, "ana@x.com", "secret2")
	require.NoError(t, err)

	_, _, err = a.Login(ctx, "ana@x.com", "secret1")
	requireKind(t, err, apperror.KindUnauthorized)
}
