package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GothenburgBitFactory/taskchampion-sync-server/internal/protocol"
)

// Options configures the transport: an optional client-id allow-list
// (nil means "allow all", per spec §6 Configuration) and whether gin
// runs in its verbose debug mode.
type Options struct {
	ClientAllowlist map[uuid.UUID]struct{}
	Debug           bool
}

// NewRouter builds the gin engine implementing spec §6's endpoint table
// over the given protocol engine.
func NewRouter(engine *protocol.Engine, log zerolog.Logger, opts Options) *gin.Engine {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	h := &handlers{engine: engine, log: log.With().Str("component", "httpapi").Logger()}

	r.GET("/", h.banner)

	v1 := r.Group("/v1/client", clientIDMiddleware(opts.ClientAllowlist))
	{
		v1.POST("/add-version/:parentVersionId",
			limitBodyMiddleware(), requireContentType(contentTypeHistorySegment), h.addVersion)
		v1.POST("/add-snapshot/:versionId",
			limitBodyMiddleware(), requireContentType(contentTypeSnapshot), h.addSnapshot)
		v1.GET("/get-child-version/:parentVersionId", h.getChildVersion)
		v1.GET("/snapshot", h.getSnapshot)
	}

	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("request")
	}
}
