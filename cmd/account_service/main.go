package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"account_service/internal/auth"
	"account_service/internal/config"
	changePassword "account_service/internal/http_server/handlers/change_password"
	forgotPassword "account_service/internal/http_server/handlers/forgot_password"
	"account_service/internal/http_server/handlers/health"
	"account_service/internal/http_server/handlers/login"
	"account_service/internal/http_server/handlers/logout"
	"account_service/internal/http_server/handlers/me"
	"account_service/internal/http_server/handlers/refresh"
	"account_service/internal/http_server/handlers/register"
	resendVerification "account_service/internal/http_server/handlers/resend_verification"
	resetPassword "account_service/internal/http_server/handlers/reset_password"
	verifyEmail "account_service/internal/http_server/handlers/verify_email"
	"account_service/internal/http_server/middleware/authn"
	jwtlib "account_service/internal/lib/jwt"
	rateLimit "account_service/internal/middleware/ratelimit"
	"account_service/internal/rabbitmq"
	"account_service/internal/storage/mongo"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad("./config/config.yaml")

	log := setupLogger(cfg.Env)

	log.Info("starting account service", slog.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("Shutdown signal received")
		cancel()
	}()

	storage, err := mongo.New(ctx, cfg)
	if err != nil {
		log.Error("failed to connect mongodb", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer storage.Close(context.Background())

	msgBroker, err := rabbitmq.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueueName)
	if err != nil {
		log.Error("failed to connect rabbitmq", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer msgBroker.Close()

	tokens := jwtlib.New(cfg.Tokens)

	authService := auth.New(
		log,
		storage,
		storage,
		tokens,
		msgBroker,
		cfg.Tokens.PasswordResetTTL,
		cfg.Tokens.VerificationTTL,
		cfg.FrontendURL,
	)

	router := setupRouter(log, tokens, storage, authService)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server is running", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", slog.String("err", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", slog.String("err", err.Error()))
	} else {
		log.Info("Server stopped gracefully")
	}

	log.Info("Main service stopped")
}

func setupRouter(
	log *slog.Logger,
	tokens *jwtlib.Manager,
	storage *mongo.MongoRepo,
	authService *auth.Auth,
) *chi.Mux {
	validate := validator.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", health.New())

	r.Route("/auth", func(r chi.Router) {
		r.With(rateLimit.Register()).Post("/register",
			register.New(log, validate, authService),
		)
		r.With(rateLimit.Login()).Post("/login",
			login.New(log, validate, authService),
		)
		r.With(rateLimit.Refresh()).Post("/refresh-token",
			refresh.New(log, validate, authService),
		)
		r.With(rateLimit.ForgotPassword()).Post("/forgot-password",
			forgotPassword.New(log, validate, authService),
		)
		r.With(rateLimit.ResetPassword()).Post("/reset-password",
			resetPassword.New(log, validate, authService),
		)
		r.With(rateLimit.VerifyEmail()).Get("/verify-email/{token}",
			verifyEmail.New(log, authService),
		)
		r.With(rateLimit.ResendVerificationEmail()).Post("/resend-verification",
			resendVerification.New(log, validate, authService),
		)

		r.Group(func(r chi.Router) {
			r.Use(authn.RequireAuth(log, tokens, storage))

			r.With(rateLimit.Logout()).Post("/logout",
				logout.New(log, authService),
			)
			r.Post("/change-password",
				changePassword.New(log, validate, authService),
			)
			r.Get("/me",
				me.New(log),
			)
		})
	})

	return r
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
