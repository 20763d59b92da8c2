package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/auth"
	"github.com/elonfeng/theangle/pkg/billing"
	"github.com/elonfeng/theangle/pkg/ingest"
	"github.com/gin-gonic/gin"
)

const userKey = "user"

// Ingester runs one ingestion cycle for a user.
type Ingester interface {
	Ingest(ctx context.Context, topics []string, userID int64) (*ingest.Result, error)
}

// Options configures the HTTP server.
type Options struct {
	Port                int
	BaseURL             string
	SecureCookies       bool
	RequireSubscription bool
	Logger              *slog.Logger
}

// Server provides the HTTP API.
type Server struct {
	store    store.Store
	ingester Ingester
	sessions *auth.Sessions
	billing  *billing.Client
	opts     Options
	logger   *slog.Logger
	engine   *gin.Engine
}

// New creates a new HTTP server. billing may be nil.
func New(s store.Store, ingester Ingester, sessions *auth.Sessions, bill *billing.Client, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if bill == nil {
		bill = billing.New(billing.Config{})
	}

	srv := &Server{
		store:    s,
		ingester: ingester,
		sessions: sessions,
		billing:  bill,
		opts:     opts,
		logger:   opts.Logger,
	}
	srv.engine = srv.routes()
	return srv
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.POST("/billing/webhook", s.handleWebhook)

	api := r.Group("/api/v1")
	api.POST("/register", s.handleRegister)
	api.POST("/login", s.handleLogin)
	api.POST("/logout", s.handleLogout)

	authed := api.Group("", s.requireUser())
	authed.GET("/me", s.handleMe)
	authed.GET("/dashboard", s.handleDashboard)
	authed.GET("/items", s.handleItems)
	authed.GET("/sources", s.handleSources)
	authed.GET("/topics", s.handleGetTopics)
	authed.PUT("/topics", s.handlePutTopics)
	authed.POST("/ingest", s.handleIngest)

	bill := r.Group("/billing", s.requireUser())
	bill.GET("/checkout", s.handleCheckout)
	bill.GET("/success", s.handleCheckoutSuccess)

	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
		)
	}
}

// requireUser resolves the session cookie, or a bearer token, to a user.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(auth.CookieName)
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}

		userID, err := s.sessions.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
			return
		}

		user, err := s.store.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
				return
			}
			s.logger.Error("load session user", "user_id", userID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *store.User {
	return c.MustGet(userKey).(*store.User)
}

// hasAccess reports whether the paywall lets the user use premium features.
func (s *Server) hasAccess(u *store.User) bool {
	return !s.opts.RequireSubscription || u.IsActiveSubscriber
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
