package app

import (
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"nfvcl.io/nfvcl/internal/api/handlers"
	"nfvcl.io/nfvcl/internal/api/middleware"
	"nfvcl.io/nfvcl/internal/config"
)

// devOrigins is the allowlist used when no origin is configured.
var devOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), cors.New(buildCORSConfig(cfg)), middleware.ErrorHandler())
	server.RegisterRoutes(router)
	return router
}

// buildCORSConfig drops "*" from the allowlist unless all origins are
// explicitly allowed, in which case credentials are disabled.
func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if cfg.Server.UnsafeAllowAllOrigins && slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
		return c
	}
	origins = slices.DeleteFunc(origins, func(o string) bool { return o == "*" })
	if len(origins) == 0 {
		origins = slices.Clone(devOrigins)
	}
	c.AllowOrigins = origins
	return c
}
