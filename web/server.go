package web

import (
	"fmt"

	"github.com/fedeng/deino/collection"
	"github.com/fedeng/deino/db"
	"github.com/fedeng/deino/pipeline"
	"github.com/fedeng/deino/security"
	"github.com/fedeng/deino/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxActivitySize = 1 * 1024 * 1024 // 1MB

// Server is the federation HTTP surface.
type Server struct {
	conf *util.AppConfig
	db   *db.DB
	coll *collection.Engine
	pipe *pipeline.Pipeline
}

func NewServer(conf *util.AppConfig, database *db.DB,
	coll *collection.Engine, pipe *pipeline.Pipeline) *Server {
	return &Server{conf: conf, db: database, coll: coll, pipe: pipe}
}

// Router wires all federation endpoints.
func (s *Server) Router() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limit: 10 req/s per IP, burst of 20.
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))

	// Inboxes get a stricter budget and a body size cap.
	inboxLimiter := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
	maxBody := MaxBytesMiddleware(maxActivitySize)

	g.POST("/inbox", inboxLimiter, maxBody, func(c *gin.Context) {
		s.handleInbox(c, "")
	})
	g.POST("/users/:name/inbox", inboxLimiter, maxBody, func(c *gin.Context) {
		name := c.Param("name")
		s.handleInbox(c, fmt.Sprintf("https://%s/users/%s", s.conf.Conf.SslDomain, name))
	})

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/users/:name", s.handleActor)
	g.GET("/users/:name/outbox", s.handleOutbox)
	g.GET("/users/:name/followers", func(c *gin.Context) {
		s.handleActorCollection(c, "followers")
	})
	g.GET("/users/:name/following", func(c *gin.Context) {
		s.handleActorCollection(c, "following")
	})

	g.GET("/objects/:id", s.handleObject)
	g.GET("/objects/:id/likes", func(c *gin.Context) {
		s.handleObjectCollection(c, "likes")
	})
	g.GET("/objects/:id/shares", func(c *gin.Context) {
		s.handleObjectCollection(c, "shares")
	})
	g.GET("/objects/:id/replies", func(c *gin.Context) {
		s.handleObjectCollection(c, "replies")
	})

	g.GET("/feed/:name", s.handleFeed)

	return g
}

// Run serves the router until the listener fails.
func (s *Server) Run() error {
	zap.S().Infow("starting federation server",
		"host", s.conf.Conf.Host, "port", s.conf.Conf.HttpPort)
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

// handleInbox feeds one federation message into the pipeline. The claimed
// origin is the host of the signing key; the pipeline checks it against the
// actor before any verification work.
func (s *Server) handleInbox(c *gin.Context, recipient string) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(400)
		return
	}
	origin := ""
	if keyId, err := security.RequestKeyId(c.Request); err == nil {
		origin = hostOfURI(keyId)
	}
	_, status := s.pipe.SubmitInbound(c.Request.Context(), c.Request, body, origin, recipient)
	c.Status(status)
}
