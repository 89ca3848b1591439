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
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/campus-api/api/swagger"
	"github.com/noah-isme/campus-api/internal/handler"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	"github.com/noah-isme/campus-api/internal/service"
	"github.com/noah-isme/campus-api/pkg/cache"
	"github.com/noah-isme/campus-api/pkg/config"
	"github.com/noah-isme/campus-api/pkg/database"
	"github.com/noah-isme/campus-api/pkg/jobs"
	"github.com/noah-isme/campus-api/pkg/logger"
	"github.com/noah-isme/campus-api/pkg/storage"
)

// @title Campus API
// @version 1.0.0
// @description Role-based access control, course enrollment and attendance tracking
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, attendance cache disabled", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	app, err := buildApp(cfg, db, redisClient, logr)
	if err != nil {
		logr.Fatal("failed to build application", zap.Error(err))
	}
	if cfg.Bootstrap.SystemRoles {
		if err := bootstrapRoles(ctx, app, cfg.Bootstrap.AdminEmail, logr); err != nil {
			logr.Fatal("bootstrap system roles", zap.Error(err))
		}
	}

	app.exportQueue.Start(ctx)
	app.exports.Recover(ctx)
	app.exports.StartCleanup(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newRouter(cfg, app, logr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
	app.exportQueue.Stop()
	logr.Info("server stopped")
}

type application struct {
	users      *repository.UserRepository
	cacheRepo  *repository.CacheRepository
	db         *sqlx.DB
	redis      *redis.Client
	metrics    *service.MetricsService
	auth       *service.AuthService
	roles      *service.RoleService
	catalog    *service.CatalogService
	students   *service.StudentService
	enrollment *service.EnrollmentService
	attendance *service.AttendanceService

	exports     *service.ExportJobService
	exportQueue *jobs.Queue
}

func buildApp(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, logr *zap.Logger) (*application, error) {
	validate := validator.New()
	metrics := service.NewMetricsService()

	users := repository.NewUserRepository(db)
	roles := repository.NewRoleRepository(db)
	students := repository.NewStudentRepository(db)
	courses := repository.NewCourseRepository(db)
	enrollments := repository.NewEnrollmentRepository(db)
	attendance := repository.NewAttendanceRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, "campus", logr)

	exportJobs := repository.NewExportJobRepository(db)
	files, err := storage.NewLocalStorage(cfg.Export.StorageDir)
	if err != nil {
		return nil, err
	}

	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Attendance.CacheTTL, logr, cfg.Attendance.CacheEnabled && redisClient != nil)
	attendanceSvc := service.NewAttendanceService(attendance, students, courses, cacheSvc, metrics, cfg.Attendance.Location, logr)

	worker := service.NewRosterExportWorker(exportJobs, attendanceSvc, files, metrics, logr)
	queue := jobs.NewQueue(service.ExportJobKind, worker.Handle, jobs.QueueConfig{
		Workers:     cfg.Export.Workers,
		MaxRetries:  cfg.Export.MaxRetries,
		RetryDelay:  2 * time.Second,
		OnExhausted: worker.Exhausted,
		Logger:      logr,
	})
	signer := storage.NewSignedURLSigner(cfg.Export.SigningSecret, cfg.Export.LinkTTL)
	exportSvc := service.NewExportJobService(exportJobs, queue, files, signer, metrics, service.ExportJobConfig{
		APIPrefix:       cfg.APIPrefix,
		ResultTTL:       cfg.Export.ResultTTL,
		CleanupInterval: cfg.Export.CleanupInterval,
	}, logr)

	return &application{
		users:     users,
		cacheRepo: cacheRepo,
		db:        db,
		redis:     redisClient,
		metrics:   metrics,
		auth: service.NewAuthService(users, validate, logr, service.AuthConfig{
			AccessTokenSecret: cfg.JWT.Secret,
			AccessTokenExpiry: cfg.JWT.Expiration,
			Issuer:            cfg.JWT.Issuer,
		}),
		roles:      service.NewRoleService(roles, users, metrics, validate, logr),
		catalog:    service.NewCatalogService(courses, validate, logr),
		students:   service.NewStudentService(students, cacheSvc, validate, logr),
		enrollment: service.NewEnrollmentService(enrollments, students, courses, users, metrics, cacheSvc, validate, logr),
		attendance: attendanceSvc,

		exports:     exportSvc,
		exportQueue: queue,
	}, nil
}

func bootstrapRoles(ctx context.Context, app *application, adminEmail string, logr *zap.Logger) error {
	created, err := app.roles.EnsureSystemRoles(ctx, "")
	if err != nil {
		return err
	}
	for _, role := range created {
		logr.Info("system role created", zap.String("key", role.Key))
	}
	if adminEmail == "" {
		return nil
	}
	user, err := app.users.FindByEmail(ctx, adminEmail)
	if err != nil {
		logr.Warn("bootstrap admin not found", zap.String("email", adminEmail), zap.Error(err))
		return nil
	}
	if _, err := app.roles.AssignRoleByKey(ctx, "", user.ID, models.RoleKeyAdmin); err != nil {
		return err
	}
	logr.Info("bootstrap admin granted", zap.String("user_id", user.ID))
	return nil
}

func readinessChecks(app *application) map[string]handler.Pinger {
	checks := map[string]handler.Pinger{"database": handler.PingFunc(app.db.PingContext)}
	if app.redis != nil {
		checks["redis"] = app.cacheRepo
	}
	return checks
}
