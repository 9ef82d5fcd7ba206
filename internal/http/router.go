package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/firedesk/backend/internal/bus"
	"github.com/firedesk/backend/internal/config"
	"github.com/firedesk/backend/internal/db"
	"github.com/firedesk/backend/internal/http/handlers"
	"github.com/firedesk/backend/internal/http/middleware"
	"github.com/firedesk/backend/internal/pipeline"

	_ "github.com/firedesk/backend/docs"
)

func Router(cfg config.Config, store *db.Store, orch *pipeline.Orchestrator, eventBus *bus.Bus, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:        store,
		Orchestrator: orch,
		Bus:          eventBus,
		Validator:    validator.New(),
		Logger:       logger,
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.GET("/tickets", h.TicketsList)
		api.GET("/tickets/:id", h.TicketDetails)
		api.GET("/agents", h.AgentsList)
		api.GET("/offices", h.OfficesList)
		api.GET("/batches/:id/progress", h.BatchProgress)
		api.GET("/batches/:id/outcomes", h.BatchOutcomes)
		api.GET("/events", h.Events)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/import", h.Import)
		admin.POST("/batches/:id/process", h.Process)
		admin.POST("/batches/:id/cancel", h.CancelBatch)
		admin.POST("/batches/:id/purge-pii", h.PurgePII)
		admin.POST("/tickets/:id/reassign", h.Reassign)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
