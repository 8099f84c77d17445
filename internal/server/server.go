// Package server implements the authority-side HTTP API: license issuance,
// central revocation, and the revocation check endpoint consumed by client
// reconcilers. It is an operational convenience around the issuer; clients
// never depend on it for verification correctness.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aegislabs/warden/internal/audit"
	"github.com/aegislabs/warden/internal/ledger"
	"github.com/aegislabs/warden/internal/license"
	"github.com/aegislabs/warden/internal/reconcile"
	"github.com/aegislabs/warden/internal/verify"
)

// AuditSink records revocation events and supports chain self-checks.
type AuditSink interface {
	Append(e audit.Event) (string, error)
}

// Config holds the authority server's collaborators.
type Config struct {
	Issuer *license.Issuer
	Ledger *ledger.Store
	Audits AuditSink
	// AuditLogPath and AuditKey are used by the periodic chain self-check.
	AuditLogPath string
	AuditKey     []byte
	// AuthToken, when set, is required as a Bearer token on issuance and
	// revocation endpoints. The revocation check endpoint stays open:
	// it only answers a boolean about a serial.
	AuthToken string
	Logger    zerolog.Logger
	Registry  *prometheus.Registry
}

// Server is the authority HTTP server.
type Server struct {
	cfg      Config
	router   *gin.Engine
	metrics  *metrics
	selfchk  *selfCheck
	logger   zerolog.Logger
	registry *prometheus.Registry
}

// New creates the authority server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Issuer == nil || cfg.Ledger == nil || cfg.Audits == nil {
		return nil, errors.New("issuer, ledger, and audit sink are required")
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		cfg:      cfg,
		metrics:  newMetrics(registry),
		logger:   cfg.Logger.With().Str("component", "authority_server").Logger(),
		registry: registry,
	}
	s.selfchk = newSelfCheck(cfg.AuditLogPath, cfg.AuditKey, s.metrics, s.logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/revocation/check", s.handleRevocationCheck)

		authed := v1.Group("")
		authed.Use(s.requireToken())
		{
			authed.POST("/licenses", s.handleIssue)
			authed.POST("/licenses/:serial/revoke", s.handleRevoke)
		}
	}

	s.router = router
	return s, nil
}

// Handler exposes the HTTP handler for serving and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the periodic audit self-check and serves HTTP until the
// context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	if err := s.selfchk.start(); err != nil {
		return err
	}
	defer s.selfchk.stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("authority server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AuthToken == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.cfg.AuthToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRevocationCheck answers the reconciler's revocation query. The
// response carries the server time so clients can detect clock skew.
func (s *Server) handleRevocationCheck(c *gin.Context) {
	var req reconcile.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Serial == "" {
		s.metrics.revocationChecks.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial is required"})
		return
	}

	revoked, err := s.cfg.Ledger.IsRevoked(c.Request.Context(), req.Serial)
	if err != nil {
		s.metrics.revocationChecks.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("serial", req.Serial).Msg("revocation lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation lookup failed"})
		return
	}

	outcome := "active"
	if revoked {
		outcome = "revoked"
	}
	s.metrics.revocationChecks.WithLabelValues(outcome).Inc()

	c.JSON(http.StatusOK, reconcile.CheckResponse{
		Revoked:    revoked,
		ServerTime: time.Now().UTC(),
	})
}

// IssueRequest is the issuance endpoint's request body.
type IssueRequest struct {
	Tier         string `json:"tier"`
	ValidityDays int    `json:"validity_days"`
	Perpetual    bool   `json:"perpetual"`
	Fingerprint  string `json:"fingerprint,omitempty"`
}

func (s *Server) handleIssue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	file, err := s.cfg.Issuer.Issue(c.Request.Context(), license.IssueRequest{
		Tier:        license.Tier(req.Tier),
		Validity:    time.Duration(req.ValidityDays) * 24 * time.Hour,
		Perpetual:   req.Perpetual,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		switch {
		case errors.Is(err, license.ErrUnknownTier), errors.Is(err, license.ErrInvalidValidityWindow):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			s.logger.Error().Err(err).Msg("issuance failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "issuance failed"})
		}
		return
	}

	s.metrics.licensesIssued.WithLabelValues(req.Tier).Inc()
	c.JSON(http.StatusCreated, file)
}

func (s *Server) handleRevoke(c *gin.Context) {
	serial := c.Param("serial")

	if err := s.cfg.Ledger.Revoke(c.Request.Context(), serial); err != nil {
		switch {
		case errors.Is(err, ledger.ErrSerialNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown serial"})
		case errors.Is(err, ledger.ErrAlreadyRevoked):
			c.JSON(http.StatusConflict, gin.H{"error": "already revoked"})
		default:
			s.logger.Error().Err(err).Str("serial", serial).Msg("revocation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation failed"})
		}
		return
	}

	if _, err := s.cfg.Audits.Append(audit.Event{
		Type:    audit.EventRevoked,
		Subject: serial,
		Result:  string(verify.StatusRevoked),
	}); err != nil {
		s.logger.Error().Err(err).Str("serial", serial).Msg("failed to audit revocation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revocation not durably logged"})
		return
	}

	s.metrics.licensesRevoked.Inc()
	c.JSON(http.StatusOK, gin.H{"serial": serial, "revoked": true})
}
