package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"account_service/internal/apperror"
	"account_service/internal/lib/hasher"
	jwtlib "account_service/internal/lib/jwt"
	sl "account_service/internal/lib/logger"
	"account_service/internal/lib/recovery"
	"account_service/internal/models"
	"account_service/internal/storage"
)

const (
	msgInvalidCredentials = "Invalid email or password"
	msgForgotPassword     = "If the email exists, a password reset link has been sent"
)

type Auth struct {
	log         *slog.Logger
	usrSaver    UserSaver
	usrProvider UserProvider
	tokens      *jwtlib.Manager
	publisher   Publisher
	resetTTL    time.Duration
	verifyTTL   time.Duration
	frontendURL string
}

type UserSaver interface {
	SaveUser(ctx context.Context, name, email string, passHash []byte) (models.User, error)
	UpdateRefreshToken(ctx context.Context, userID string, refreshToken string) error
	SetPasswordResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	SetVerificationToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	UpdatePassword(ctx context.Context, userID string, passHash []byte) error
	MarkEmailVerified(ctx context.Context, userID string) error
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, id string) (models.User, error)
	UserByResetToken(ctx context.Context, tokenHash string) (models.User, error)
	UserByVerificationToken(ctx context.Context, tokenHash string) (models.User, error)
}

type Publisher interface {
	SendMessage(ctx context.Context, msg models.EmailMessage) error
}

func New(
	log *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokens *jwtlib.Manager,
	publisher Publisher,
	resetTTL, verifyTTL time.Duration,
	frontendURL string,
) *Auth {
	return &Auth{
		log:         log,
		usrSaver:    userSaver,
		usrProvider: userProvider,
		tokens:      tokens,
		publisher:   publisher,
		resetTTL:    resetTTL,
		verifyTTL:   verifyTTL,
		frontendURL: frontendURL,
	}
}

// Register creates an account, issues a verification token and a token
// pair, and queues the verification email. A failed email publish is logged
// and swallowed: the token stays valid until its natural expiry and the
// resend endpoint can reissue it.
func (a *Auth) Register(ctx context.Context, name, email, password string) (models.User, models.TokenPair, error) {
	const op = "auth.Register"

	log := a.log.With(slog.String("op", op))

	passHash, err := hasher.Hash(password)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.usrSaver.SaveUser(ctx, name, email, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists")
			return models.User{}, models.TokenPair{}, apperror.Conflict("User already exists with this email")
		}

		log.Error("failed to save user", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	verifyToken, err := recovery.New(a.verifyTTL)
	if err != nil {
		log.Error("failed to generate verification token", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.SetVerificationToken(ctx, user.ID.Hex(), verifyToken.Hash, verifyToken.ExpiresAt); err != nil {
		log.Error("failed to save verification token", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.tokens.NewTokenPair(user.ID.Hex())
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.UpdateRefreshToken(ctx, user.ID.Hex(), pair.RefreshToken); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	a.sendEmail(ctx, log, user.Email, models.PurposeEmailVerification, verifyToken.Raw)

	log.Info("user registered", slog.String("uid", user.ID.Hex()))

	return user, pair, nil
}

// Login verifies credentials and issues a fresh token pair. The new refresh
// token overwrites the stored one, which is the rotation point that
// invalidates every previously issued refresh token. Absent account,
// inactive account and wrong password are indistinguishable to the caller.
func (a *Auth) Login(ctx context.Context, email, password string) (models.User, models.TokenPair, error) {
	const op = "auth.Login"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return models.User{}, models.TokenPair{}, apperror.Unauthorized(msgInvalidCredentials)
		}

		log.Error("failed to get user", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsActive {
		log.Warn("account is deactivated", slog.String("uid", user.ID.Hex()))
		return models.User{}, models.TokenPair{}, apperror.Unauthorized(msgInvalidCredentials)
	}

	if !hasher.Verify(password, user.PassHash) {
		log.Info("invalid credentials")
		return models.User{}, models.TokenPair{}, apperror.Unauthorized(msgInvalidCredentials)
	}

	pair, err := a.tokens.NewTokenPair(user.ID.Hex())
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.UpdateRefreshToken(ctx, user.ID.Hex(), pair.RefreshToken); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return models.User{}, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.String("uid", user.ID.Hex()))

	return user, pair, nil
}

// RefreshAccessToken exchanges a valid refresh token for a new access
// token. The presented token must byte-for-byte match the one stored on the
// account; a token superseded by a later login no longer matches. The
// refresh token itself is not rotated here.
func (a *Auth) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	const op = "auth.RefreshAccessToken"

	log := a.log.With(slog.String("op", op))

	claims, err := a.tokens.ParseRefreshToken(refreshToken)
	if err != nil {
		log.Warn("refresh token rejected", sl.Err(err))
		return "", apperror.Unauthorized("Invalid or expired refresh token")
	}

	user, err := a.usrProvider.UserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return "", apperror.Unauthorized("Invalid or expired refresh token")
		}

		log.Error("failed to load user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if user.RefreshToken == "" || user.RefreshToken != refreshToken {
		log.Warn("stale refresh token presented", slog.String("uid", user.ID.Hex()))
		return "", apperror.Unauthorized("Invalid or expired refresh token")
	}

	accessToken, err := a.tokens.NewAccessToken(user.ID.Hex())
	if err != nil {
		log.Error("failed to issue access token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("access token refreshed", slog.String("uid", user.ID.Hex()))

	return accessToken, nil
}

// Logout clears the stored refresh token. It is idempotent.
func (a *Auth) Logout(ctx context.Context, userID string) error {
	const op = "auth.Logout"

	log := a.log.With(slog.String("op", op))

	if err := a.usrSaver.UpdateRefreshToken(ctx, userID, ""); err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil
		}

		log.Error("failed to clear refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged out", slog.String("uid", userID))

	return nil
}

// ForgotPassword issues a reset token and queues the reset email. The
// returned message is identical whether or not the account exists.
func (a *Auth) ForgotPassword(ctx context.Context, email string) (string, error) {
	const op = "auth.ForgotPassword"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Info("password reset requested for unknown email")
			return msgForgotPassword, nil
		}

		log.Error("failed to get user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	resetToken, err := recovery.New(a.resetTTL)
	if err != nil {
		log.Error("failed to generate reset token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.SetPasswordResetToken(ctx, user.ID.Hex(), resetToken.Hash, resetToken.ExpiresAt); err != nil {
		log.Error("failed to save reset token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	a.sendEmail(ctx, log, user.Email, models.PurposePasswordReset, resetToken.Raw)

	log.Info("password reset token issued", slog.String("uid", user.ID.Hex()))

	return msgForgotPassword, nil
}

// ResetPassword consumes a reset token and replaces the password hash.
func (a *Auth) ResetPassword(ctx context.Context, rawToken, newPassword string) (string, error) {
	const op = "auth.ResetPassword"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByResetToken(ctx, recovery.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("reset token rejected")
			return "", apperror.BadRequest("Invalid or expired reset token")
		}

		log.Error("failed to look up reset token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	passHash, err := hasher.Hash(newPassword)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.UpdatePassword(ctx, user.ID.Hex(), passHash); err != nil {
		log.Error("failed to update password", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password reset", slog.String("uid", user.ID.Hex()))

	return "Password reset successfully", nil
}

// VerifyEmail consumes a verification token and marks the email verified.
func (a *Auth) VerifyEmail(ctx context.Context, rawToken string) (string, error) {
	const op = "auth.VerifyEmail"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByVerificationToken(ctx, recovery.HashToken(rawToken))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("verification token rejected")
			return "", apperror.BadRequest("Invalid or expired verification token")
		}

		log.Error("failed to look up verification token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.MarkEmailVerified(ctx, user.ID.Hex()); err != nil {
		log.Error("failed to mark email verified", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("email verified", slog.String("uid", user.ID.Hex()))

	return "Email verified successfully", nil
}

// ResendVerificationEmail reissues a verification token, replacing any
// outstanding one, and queues the email again.
func (a *Auth) ResendVerificationEmail(ctx context.Context, email string) (string, error) {
	const op = "auth.ResendVerificationEmail"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Info("user not found")
			return "", apperror.NotFound("User not found")
		}

		log.Error("failed to get user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if user.IsEmailVerified {
		return "", apperror.BadRequest("Email already verified")
	}

	verifyToken, err := recovery.New(a.verifyTTL)
	if err != nil {
		log.Error("failed to generate verification token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.SetVerificationToken(ctx, user.ID.Hex(), verifyToken.Hash, verifyToken.ExpiresAt); err != nil {
		log.Error("failed to save verification token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	a.sendEmail(ctx, log, user.Email, models.PurposeEmailVerification, verifyToken.Raw)

	log.Info("verification email resent", slog.String("uid", user.ID.Hex()))

	return "Verification email sent", nil
}

// ChangePassword replaces the password for an authenticated account after
// re-verifying the current password. Outstanding refresh tokens are not
// revoked.
func (a *Auth) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (string, error) {
	const op = "auth.ChangePassword"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return "", apperror.NotFound("User not found")
		}

		log.Error("failed to get user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if !hasher.Verify(currentPassword, user.PassHash) {
		log.Info("current password mismatch", slog.String("uid", user.ID.Hex()))
		return "", apperror.Unauthorized("Current password is incorrect")
	}

	passHash, err := hasher.Hash(newPassword)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := a.usrSaver.UpdatePassword(ctx, user.ID.Hex(), passHash); err != nil {
		log.Error("failed to update password", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password changed", slog.String("uid", user.ID.Hex()))

	return "Password changed successfully", nil
}

// sendEmail queues a recovery email. Delivery is best effort: a publish
// failure never fails the calling flow and the token is not rolled back.
func (a *Auth) sendEmail(ctx context.Context, log *slog.Logger, email, purpose, rawToken string) {
	var link string

	switch purpose {
	case models.PurposePasswordReset:
		link = fmt.Sprintf("%s/reset-password/%s", a.frontendURL, rawToken)
	case models.PurposeEmailVerification:
		link = fmt.Sprintf("%s/verify-email/%s", a.frontendURL, rawToken)
	}

	msg := models.EmailMessage{
		Email:   email,
		Link:    link,
		Purpose: purpose,
	}

	if err := a.publisher.SendMessage(ctx, msg); err != nil {
		log.Error("failed to queue email", sl.Err(err))
	}
}
