package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/max-254/Uni-connect-sub002/api/swagger"
	"github.com/max-254/Uni-connect-sub002/internal/handler"
	"github.com/max-254/Uni-connect-sub002/internal/middleware"
	"github.com/max-254/Uni-connect-sub002/internal/models"
	"github.com/max-254/Uni-connect-sub002/internal/repository"
	"github.com/max-254/Uni-connect-sub002/internal/service"
	"github.com/max-254/Uni-connect-sub002/pkg/cache"
	"github.com/max-254/Uni-connect-sub002/pkg/config"
	"github.com/max-254/Uni-connect-sub002/pkg/database"
	"github.com/max-254/Uni-connect-sub002/pkg/logger"
	corsmiddleware "github.com/max-254/Uni-connect-sub002/pkg/middleware/cors"
	reqidmiddleware "github.com/max-254/Uni-connect-sub002/pkg/middleware/requestid"
	"github.com/max-254/Uni-connect-sub002/pkg/policy"
	"github.com/max-254/Uni-connect-sub002/pkg/storage"
)

// @title Uni-Connect Enrollment Artifact API
// @version 1.0.0
// @description Access control, encryption, audit and session lifecycle for enrollment documents
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	table, err := policy.Load(cfg.Policy.File)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	store, err := storage.NewLocalStorage(cfg.Documents.StorageDir)
	if err != nil {
		return fmt.Errorf("init document storage: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL)

	validate := validator.New()
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	documentRepo := repository.NewDocumentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	keyRepo := repository.NewKeyRepository(db)
	sessionRepo := repository.NewSessionRepository(rdb, logr)

	cipherSvc := service.NewCipherService(keyRepo, logr, metrics, service.CipherConfig{
		MasterKey: cfg.Cipher.MasterKey,
		Domain:    cfg.Cipher.Domain,
	})
	if err := cipherSvc.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize cipher: %w", err)
	}

	permissionSvc := service.NewPermissionService(table, logr, metrics)
	auditSvc := service.NewAuditService(auditRepo, permissionSvc, logr, metrics, service.AuditConfig{
		Async:         cfg.Audit.Async,
		Workers:       cfg.Audit.Workers,
		BufferSize:    cfg.Audit.BufferSize,
		WriteTimeout:  cfg.Audit.WriteTimeout,
		ExportMaxRows: cfg.Audit.ExportMaxRows,
	})
	// Drained explicitly by Stop after the server shuts down.
	auditSvc.Start(context.Background())

	accessSvc := service.NewDocumentAccessService(documentRepo, permissionSvc, auditSvc, validate, logr, metrics)
	authorizer := service.NewAuthorizer(permissionSvc, accessSvc)

	sessionSvc := service.NewSessionService(sessionRepo, userRepo, cipherSvc, auditSvc, validate, logr, metrics, service.SessionConfig{
		DefaultTimeout: cfg.Session.DefaultTimeout,
		DefaultWarning: cfg.Session.DefaultWarning,
		CheckInterval:  cfg.Session.CheckInterval,
		ChallengeTTL:   cfg.StepUp.ChallengeTTL,
	})
	sessionSvc.OnWarning(func(userID string, status models.SessionStatus) {
		logr.Info("session idle warning", zap.String("user_id", userID), zap.Int("time_left_minutes", status.TimeLeftMinutes))
	})

	authSvc := service.NewAuthService(userRepo, sessionSvc, permissionSvc, cipherSvc, auditSvc, validate, logr, metrics, service.AuthConfig{
		AccessTokenSecret:     cfg.JWT.Secret,
		AccessTokenExpiry:     cfg.JWT.Expiration,
		Issuer:                cfg.JWT.Issuer,
		TOTPIssuer:            cfg.StepUp.Issuer,
		DefaultSessionTimeout: cfg.Session.DefaultTimeout,
		DefaultSessionWarning: cfg.Session.DefaultWarning,
	})

	documentSvc := service.NewDocumentService(documentRepo, accessSvc, cipherSvc, store, signer, sessionSvc, auditSvc, validate, logr, service.DocumentConfig{
		MaxFileSizeBytes: cfg.Documents.MaxFileSizeBytes,
	})
	keySvc := service.NewKeyService(authorizer, cipherSvc, sessionSvc, auditSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = cfg.Documents.MaxFileSizeBytes
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.RequestMeta())

	handler.RegisterRoutes(r, r.Group(cfg.APIPrefix), handler.RouterDeps{
		Auth:     handler.NewAuthHandler(authSvc),
		Sessions: handler.NewSessionHandler(sessionSvc),
		Docs:     handler.NewDocumentHandler(documentSvc, accessSvc, cfg.Documents.MaxFileSizeBytes, cfg.APIPrefix),
		Audit:    handler.NewAuditHandler(auditSvc),
		Admin:    handler.NewAdminHandler(keySvc),
		Metrics: handler.NewMetricsHandler(metrics, map[string]handler.Pinger{
			"postgres": db.PingContext,
			"redis":    sessionRepo.Ping,
		}),
		AuthService:    authSvc,
		SessionService: sessionSvc,
		Authorizer:     authorizer,
		LoginLimiter:   middleware.NewIPRateLimiter(cfg.RateLimit.LoginPerMinute, cfg.RateLimit.LoginBurst),
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown", zap.Error(err))
	}
	auditSvc.Stop()
	sessionSvc.Stop()
	return nil
}
