package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the API surface: a public liveness probe plus the
// bearer-protected submission routes.
func NewRouter(handler *SubmissionHandler, secretKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := r.Group("/")
	protected.Use(RequireAuth(secretKey))
	{
		protected.POST("/submissions", handler.Negotiate)
		protected.GET("/submissions", handler.Updated)
		protected.GET("/submissions/:id", handler.Get)
		protected.POST("/submissions/:id/finalize", handler.Finalize)
		protected.GET("/submissions/:id/playback-url", handler.PlaybackURL)
		protected.DELETE("/submissions/:id", handler.Delete)
		protected.PATCH("/submissions/:id/reviewed", handler.MarkReviewed)
	}

	return r
}
