// Package relay is a websocket pub/sub relay for peers that cannot reach
// Redis or each other directly. Connections authenticate with an HS256
// token signed by the shared relay secret.
package relay

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	Addr   string
	Secret string
	// Backplane is optional; set it to share topics between relay instances.
	Backplane bus.Bus
}

type Server struct {
	opts Options
	hub  *Hub
	srv  *http.Server
}

func NewServer(o Options) (*Server, error) {
	if o.Secret == "" {
		return nil, errors.New("relay secret is required")
	}
	s := &Server{opts: o, hub: NewHub(o.Backplane)}
	s.srv = &http.Server{Addr: o.Addr, Handler: s.Handler()}
	return s, nil
}

func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", JWTAuth(s.opts.Secret))
	api.GET("/topics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"topics": s.hub.Topics()})
	})

	router.GET("/ws", JWTAuth(s.opts.Secret), s.handleWS)
	return router
}

func (s *Server) handleWS(c *gin.Context) {
	userID := c.GetString("user_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed for %s: %v", userID, err)
		return
	}
	log.Printf("RELAY: %s connected", userID)

	client := newClient(userID, conn)
	done := make(chan struct{})
	go s.hub.writePump(client, done)
	go func() {
		s.hub.readPump(client)
		close(done)
	}()
}

// ListenAndServe blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("RELAY: listening on %s", s.opts.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
