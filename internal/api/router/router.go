package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/media-service/internal/api/handlers/image"
	"github.com/aliskhannn/media-service/internal/middleware"
)

// Setup builds the HTTP engine with every media route.
func Setup(h *image.Handler, allowedOrigins []string) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware(allowedOrigins))
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())
	r.Use(middleware.Identity())

	api := r.Group("/api")

	api.POST("/images", h.Upload)           // uploading image
	api.GET("/images", h.List)              // listing own images
	api.DELETE("/images", h.Delete)         // deleting image by id or url
	api.GET("/images/:id", h.Get)           // getting image metadata
	api.PATCH("/images/:id", h.Update)      // editing title, description, alt text
	api.GET("/images/:id/status", h.Status) // polling variant generation
	api.GET("/images/:id/file", h.File)     // getting original or variant bytes
	api.POST("/images/:id/crop", h.Crop)    // re-cropping original
	api.GET("/images/:id/audit", h.Audit)   // audit trail

	r.GET("/uploads/*path", h.Serve) // public file paths

	return r
}
