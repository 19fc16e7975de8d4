// Package status serves a read-only HTTP view of the bridge.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/internal/microservices/tcp"
	"callbridge/internal/reconnect"
)

type ClientLister interface {
	Snapshot() []tcp.ClientInfo
}

type LinkReporter interface {
	Status() []reconnect.EndpointStatus
	Pending() int
}

type ServerStater interface {
	State() tcp.ServerState
}

type Handler struct {
	clients ClientLister
	links   LinkReporter
	server  ServerStater
	started time.Time
}

func NewHandler(clients ClientLister, links LinkReporter, server ServerStater) *Handler {
	return &Handler{clients: clients, links: links, server: server, started: time.Now()}
}

// RegisterRoutes registers the status routes
func (h *Handler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/healthz", h.Healthz)
	router.GET("/clients", h.Clients)
	router.GET("/links", h.Links)
}

// Healthz reports ok while the broadcast server is running.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	state := h.server.State()
	code := http.StatusOK
	if state != tcp.StateRunning {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": state.String(),
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// GET /clients
func (h *Handler) Clients(c *gin.Context) {
	clients := h.clients.Snapshot()
	if clients == nil {
		clients = []tcp.ClientInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(clients), "clients": clients})
}

// GET /links
func (h *Handler) Links(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"endpoints": h.links.Status(),
		"pending":   h.links.Pending(),
	})
}

// RequestLogger logs each request through slog instead of gin's writer.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("status_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	h.RegisterRoutes(r)
	return r
}

// Serve runs the status API on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("status_api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
