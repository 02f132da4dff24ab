package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lu-zhengda/mailbroker/internal/domain"
	"github.com/lu-zhengda/mailbroker/internal/store"
)

const shutdownTimeout = 10 * time.Second

// AccountLister lists registered accounts.
type AccountLister interface {
	List(ctx context.Context) ([]domain.Account, error)
}

// LatestFetcher syncs and returns the newest message of an account.
type LatestFetcher interface {
	Latest(ctx context.Context, email string) (*domain.Message, error)
}

// Server is the local REST surface over the broker.
type Server struct {
	accounts AccountLister
	mail     LatestFetcher
	router   *gin.Engine
}

func NewServer(accounts AccountLister, mail LatestFetcher) *Server {
	s := &Server{accounts: accounts, mail: mail}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/accounts", s.handleAccounts)
		api.GET("/email/last", s.handleLatest)
	}
	return r
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.WithField("addr", ln.Addr().String()).Info("api_listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	log.Info("api_stopped")
	return nil
}

func (s *Server) handleAccounts(c *gin.Context) {
	accounts, err := s.accounts.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ToAccounts(accounts))
}

func (s *Server) handleLatest(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	msg, err := s.mail.Latest(c.Request.Context(), email)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ToMessage(msg))
}

// writeError maps domain failures onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var apiErr *domain.RemoteAPIError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNotAuthorized):
		status = http.StatusUnauthorized
	case errors.As(err, &apiErr) && apiErr.InsufficientPermission():
		status = http.StatusForbidden
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("api_request")
			return
		}
		entry.Debug("api_request")
	}
}
