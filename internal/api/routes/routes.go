package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/verbumlabs/verbum/internal/api/handlers"
	"github.com/verbumlabs/verbum/internal/api/middleware"
)

type Deps struct {
	Session *handlers.SessionHandler
	Speaker *handlers.SpeakerHandler
	WS      *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	api := r.Group("/api")
	api.Use(middleware.JWTAuth())

	api.POST("/sessions", d.Session.Create)
	api.GET("/sessions", d.Session.List)
	api.GET("/sessions/:session_id", d.Session.Get)
	api.POST("/sessions/:session_id/stop", d.Session.Stop)
	api.DELETE("/sessions/:session_id", d.Session.Delete)
	api.GET("/sessions/:session_id/export", d.Session.Export)

	api.POST("/audio/upload", d.Session.Upload)

	api.GET("/speakers", d.Speaker.List)
	api.POST("/speakers", d.Speaker.Enroll)
	api.GET("/speakers/:speaker_id", d.Speaker.Get)
	api.DELETE("/speakers/:speaker_id", d.Speaker.Delete)

	// WebSocket
	ws := r.Group("/ws")
	ws.Use(middleware.JWTAuth())
	ws.GET("/transcribe", d.WS.Stream)
}
