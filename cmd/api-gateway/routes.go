package main

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/handler"
	"github.com/noah-isme/campus-api/internal/middleware"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/pkg/config"
	"github.com/noah-isme/campus-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/campus-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/campus-api/pkg/middleware/requestid"
	securemiddleware "github.com/noah-isme/campus-api/pkg/middleware/secure"
)

func newRouter(cfg *config.Config, app *application, logr *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(app.metrics))

	metricsHandler := handler.NewMetricsHandler(app.metrics, readinessChecks(app))
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(app.auth)
	roleHandler := handler.NewRoleHandler(app.roles)
	catalogHandler := handler.NewCatalogHandler(app.catalog)
	studentHandler := handler.NewStudentHandler(app.students)
	enrollmentHandler := handler.NewEnrollmentHandler(app.enrollment)
	attendanceHandler := handler.NewAttendanceHandler(app.attendance)
	exportHandler := handler.NewExportJobHandler(app.exports)

	require := func(p models.Permission) gin.HandlerFunc {
		return middleware.RequirePermission(p, app.metrics)
	}

	api := r.Group(cfg.APIPrefix, securemiddleware.New(cfg.Env == config.EnvProduction))
	api.POST("/auth/login", authHandler.Login)
	api.GET("/exports/:token", exportHandler.Download)

	secured := api.Group("")
	secured.Use(middleware.JWT(app.auth))

	secured.GET("/auth/me", middleware.RequireAuthenticated(), authHandler.Me)
	secured.GET("/permissions/metadata", require(models.PermissionRoleRead), roleHandler.Metadata)

	secured.GET("/roles", require(models.PermissionRoleRead), roleHandler.List)
	secured.POST("/roles", require(models.PermissionRoleWrite), roleHandler.Create)
	secured.PUT("/roles/:id", require(models.PermissionRoleWrite), roleHandler.Update)
	secured.DELETE("/roles/:id", require(models.PermissionRoleWrite), roleHandler.Delete)
	secured.POST("/roles/bootstrap", require(models.PermissionSystemBootstrap), roleHandler.Bootstrap)
	secured.GET("/users/:id/roles", require(models.PermissionUserRead), roleHandler.UserRoles)
	secured.POST("/users/:id/roles/:roleId", require(models.PermissionUserManageRoles), roleHandler.Assign)
	secured.DELETE("/users/:id/roles/:roleId", require(models.PermissionUserManageRoles), roleHandler.Revoke)

	secured.POST("/courses", require(models.PermissionCatalogWrite), catalogHandler.CreateCourse)
	secured.GET("/courses/:id", require(models.PermissionCatalogRead), catalogHandler.GetCourse)
	secured.GET("/courses/:id/modules", require(models.PermissionCatalogRead), catalogHandler.ListModules)
	secured.POST("/courses/:id/modules", require(models.PermissionCatalogWrite), catalogHandler.CreateModule)

	secured.POST("/students", require(models.PermissionStudentWrite), studentHandler.Create)
	secured.GET("/students", require(models.PermissionStudentRead), studentHandler.List)
	secured.GET("/students/:id", require(models.PermissionStudentRead), studentHandler.Get)

	secured.POST("/enrollments/courses", require(models.PermissionEnrollmentWrite), enrollmentHandler.EnrollCourse)
	secured.PUT("/students/:id/course-status", require(models.PermissionEnrollmentApprove), enrollmentHandler.SetCourseStatus)
	secured.GET("/students/:id/course-enrollments", require(models.PermissionEnrollmentRead), enrollmentHandler.CourseHistory)
	secured.POST("/enrollments/modules", require(models.PermissionEnrollmentWrite), enrollmentHandler.EnrollModule)
	secured.PUT("/enrollments/modules/:id/status", require(models.PermissionEnrollmentApprove), enrollmentHandler.SetModuleStatus)
	secured.DELETE("/enrollments/modules/:id", require(models.PermissionEnrollmentWrite), enrollmentHandler.DeleteModule)
	secured.GET("/students/:id/dashboard", require(models.PermissionEnrollmentRead), enrollmentHandler.Dashboard)
	secured.GET("/me/dashboard", middleware.RequireAuthenticated(), enrollmentHandler.MyDashboard)

	secured.POST("/attendance/check-in", require(models.PermissionAttendanceCheckIn), attendanceHandler.CheckIn)
	secured.GET("/students/:id/attendance/summary", require(models.PermissionAttendanceRead), attendanceHandler.Summary)
	secured.GET("/students/:id/attendance/daily", require(models.PermissionAttendanceRead), attendanceHandler.Daily)
	secured.GET("/students/:id/attendance/modules/:moduleId", require(models.PermissionAttendanceRead), attendanceHandler.ModuleSummary)
	secured.GET("/attendance/roster", require(models.PermissionAttendanceReadAll), attendanceHandler.Roster)
	secured.GET("/attendance/roster/export",
		require(models.PermissionAttendanceExport),
		middleware.Audit(app.users, models.AuditActionRosterExport, "attendance"),
		attendanceHandler.ExportRoster)
	secured.POST("/attendance/roster/export-jobs",
		require(models.PermissionAttendanceExport),
		middleware.Audit(app.users, models.AuditActionRosterExport, "attendance"),
		exportHandler.Create)
	secured.GET("/attendance/roster/export-jobs/:id", require(models.PermissionAttendanceExport), exportHandler.Status)

	return r
}
