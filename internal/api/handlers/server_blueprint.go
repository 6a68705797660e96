package handlers

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/api/middleware"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// ListBlueprints handles GET /api/v1/blueprints[?type=].
func (s *Server) ListBlueprints(c *gin.Context) {
	typ := c.Query("type")
	if typ != "" && len(s.types) > 0 && !slices.Contains(s.types, typ) {
		_ = c.Error(apperrors.UnknownBlueprintType(typ))
		return
	}
	items, err := s.blueprints.List(c.Request.Context(), typ)
	if err != nil {
		_ = c.Error(err)
		return
	}
	middleware.Logger(c).Debug("Blueprints listed", zap.String(logger.FieldBlueprintType, typ), zap.Int("total", len(items)))
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

// GetBlueprint handles GET /api/v1/blueprints/:id and returns the stored
// document, corrupted ones included.
func (s *Server) GetBlueprint(c *gin.Context) {
	doc, err := s.blueprints.Document(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if doc.Corrupted {
		middleware.Logger(c).Info("Serving corrupted blueprint document",
			zap.String(logger.FieldBlueprintID, doc.ID),
			zap.String(logger.FieldBlueprintType, doc.Type),
		)
	}
	c.JSON(http.StatusOK, doc)
}

// ListBlueprintTypes handles GET /api/v1/blueprint-types.
func (s *Server) ListBlueprintTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.types})
}
