package handlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the ops endpoints on router.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/healthz", s.GetHealth)
	router.GET("/metrics", s.GetMetrics)
	router.GET("/log/level", s.LogLevel)
	router.PUT("/log/level", s.LogLevel)

	v1 := router.Group("/api/v1")
	v1.GET("/blueprint-types", s.ListBlueprintTypes)
	v1.GET("/blueprints", s.ListBlueprints)
	v1.GET("/blueprints/:id", s.GetBlueprint)
}
