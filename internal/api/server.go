// Package api exposes the digest, trigger and preference endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/digest"
	"github.com/Martian-dev/inbox-digest/internal/store"
	"github.com/Martian-dev/inbox-digest/internal/sync"
)

// Verifier authenticates a request.
type Verifier interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Syncer runs manual cycles.
type Syncer interface {
	Trigger(ctx context.Context, userID string) (*sync.CycleReport, error)
	IsRunning(userID string) bool
	RunningCycles() []string
}

type keyStats interface {
	Stats() auth.KeyCacheStats
}

// Store is the part of the durable store the API reads and writes.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetDigest(ctx context.Context, userID string) (*digest.Snapshot, error)
	UpdatePreferences(ctx context.Context, id string, p store.Preferences) error
	ResetWatermark(ctx context.Context, id string) error
	LastRun(ctx context.Context, userID string) (*store.Run, error)
}

type Server struct {
	store    Store
	syncer   Syncer
	verifier Verifier
	log      zerolog.Logger
	engine   *gin.Engine
}

func NewServer(st Store, syncer Syncer, verifier Verifier, log zerolog.Logger) *Server {
	s := &Server{
		store:    st,
		syncer:   syncer,
		verifier: verifier,
		log:      log.With().Str("component", "api").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.health)

	authorized := r.Group("/api")
	authorized.Use(s.authMiddleware())
	authorized.GET("/digest", s.getDigest)
	authorized.POST("/sync", s.triggerSync)
	authorized.GET("/sync/status", s.syncStatus)
	authorized.POST("/reset-sync", s.resetSync)
	authorized.GET("/preferences", s.getPreferences)
	authorized.PUT("/preferences", s.updatePreferences)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
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

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"running": len(s.syncer.RunningCycles()),
	}
	if ks, ok := s.verifier.(keyStats); ok {
		body["auth"] = ks.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *auth.User {
	return c.MustGet("user").(*auth.User)
}

func (s *Server) getDigest(c *gin.Context) {
	u := currentUser(c)
	snap, err := s.store.GetDigest(c.Request.Context(), u.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if snap == nil {
		snap = digest.EmptySnapshot()
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) triggerSync(c *gin.Context) {
	u := currentUser(c)
	report, err := s.syncer.Trigger(c.Request.Context(), u.ID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sync.ErrCycleInProgress):
			status = http.StatusConflict
		case sync.IsNotFound(err):
			status = http.StatusNotFound
		case sync.IsAuthError(err):
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error(), "stage": sync.StageOf(err)})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) syncStatus(c *gin.Context) {
	u := currentUser(c)
	last, err := s.store.LastRun(c.Request.Context(), u.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running": s.syncer.IsRunning(u.ID),
		"lastRun": last,
	})
}

func (s *Server) resetSync(c *gin.Context) {
	u := currentUser(c)
	if err := s.store.ResetWatermark(c.Request.Context(), u.ID); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sync watermark reset"})
}

type preferencesResponse struct {
	NotificationTime string `json:"notificationTime"`
	SummaryFormat    string `json:"summaryFormat"`
	NotifyByEmail    bool   `json:"notifyByEmail"`
}

type preferencesRequest struct {
	NotificationTime *string `json:"notificationTime"`
	SummaryFormat    *string `json:"summaryFormat"`
	NotifyByEmail    *bool   `json:"notifyByEmail"`
}

func (s *Server) getPreferences(c *gin.Context) {
	u := currentUser(c)
	user, err := s.store.GetUser(c.Request.Context(), u.ID)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preferencesResponse{
		NotificationTime: user.NotificationTime,
		SummaryFormat:    user.SummaryFormat,
		NotifyByEmail:    user.NotifyByEmail,
	})
}

func (s *Server) updatePreferences(c *gin.Context) {
	u := currentUser(c)

	var req preferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.NotificationTime != nil && !ValidClock(*req.NotificationTime) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notificationTime must be HH:MM"})
		return
	}
	if req.SummaryFormat != nil {
		switch *req.SummaryFormat {
		case store.FormatConcise, store.FormatDetailed:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "summaryFormat must be concise or detailed"})
			return
		}
	}

	err := s.store.UpdatePreferences(c.Request.Context(), u.ID, store.Preferences{
		NotificationTime: req.NotificationTime,
		SummaryFormat:    req.SummaryFormat,
		NotifyByEmail:    req.NotifyByEmail,
	})
	if err != nil {
		s.storeError(c, err)
		return
	}
	s.getPreferences(c)
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// ValidClock reports whether s is a 24h "HH:MM" time.
func ValidClock(s string) bool {
	if len(s) != 5 || strings.Count(s, ":") != 1 {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}
