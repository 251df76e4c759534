package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shiftline/shiftline/internal/api/middleware"
	"github.com/shiftline/shiftline/internal/cascade"
	"github.com/shiftline/shiftline/internal/config"
	"github.com/shiftline/shiftline/internal/recording"
	"github.com/shiftline/shiftline/internal/telephony"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	cascade  *cascade.Coordinator
	pipeline *recording.Pipeline
	offers   *telephony.OfferRegistry
	tracker  *telephony.CallTracker
	sessions SessionFactory
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	cfg *config.Config,
	casc *cascade.Coordinator,
	pipeline *recording.Pipeline,
	offers *telephony.OfferRegistry,
	tracker *telephony.CallTracker,
	sessions SessionFactory,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		cascade:  casc,
		pipeline: pipeline,
		offers:   offers,
		tracker:  tracker,
		sessions: sessions,
		registry: registry,
		logger:   logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	// Carrier webhooks. Signature validation keys on the public callback
	// URL the carrier was configured with.
	verify := middleware.VerifySignature(s.cfg.CarrierAuthToken, "https://"+s.cfg.PublicBaseDomain)
	webhookLimiter := middleware.NewIPRateLimiter(middleware.WebhookRateLimitConfig())

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(webhookLimiter))

		r.Group(func(r chi.Router) {
			r.Use(verify)
			r.Post("/voice", s.handleVoiceWebhook)
			r.Post("/recording-status", s.handleRecordingStatus)
			r.Post("/offer/{offerID}/answer", s.handleOfferAnswer)
			r.Post("/offer/{offerID}/gather", s.handleOfferGather)
			r.Post("/offer/{offerID}/status", s.handleOfferStatus)
		})

		// The carrier fetches Play audio with a plain GET; there is no
		// signature on asset fetches. Offer ids are single-use UUIDs.
		r.Get("/offer/{offerID}/audio", s.handleOfferAudio)
	})

	// Bidirectional media stream for inbound calls.
	r.Get("/media", s.handleMediaStream)

	// SMS accept links.
	acceptLimiter := middleware.NewIPRateLimiter(middleware.AcceptLinkRateLimitConfig())
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(acceptLimiter))
		r.Get("/a/{token}", s.handleAcceptLink)
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeTwiML renders a carrier control document response.
func (s *Server) writeTwiML(w http.ResponseWriter, doc *telephony.Response) {
	body, err := doc.Encode()
	if err != nil {
		s.logger.Error("control document encode failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}
