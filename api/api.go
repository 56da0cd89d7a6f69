// Package api exposes the station to the borrower and staff clients as
// a JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"

	"labtrack/station"
)

// Station is the part of the station the API drives.
type Station interface {
	RequestLoan(ctx context.Context, payload json.RawMessage) (string, error)
	FinalizeReturn(ctx context.Context, id string, payload json.RawMessage) (station.ReturnOutcome, error)
	ManualRead(ctx context.Context) ([]byte, error)
	ManualWipe(ctx context.Context) error
	Snapshot(ctx context.Context) (station.Snapshot, error)
	LastReturn() string
}

// Config holds HTTP settings.
type Config struct {
	Listen         string        `yaml:"listen"`
	JWTSecret      string        `yaml:"jwt_secret"` // empty: staff routes unauthenticated
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LoanRateLimit  int           `yaml:"loan_rate_limit"` // loan requests per minute per IP
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.LoanRateLimit == 0 {
		c.LoanRateLimit = 30
	}
	if c.RequestTimeout == 0 {
		// Must outlast the ledger timeout of a return finalization.
		c.RequestTimeout = 30 * time.Second
	}
}

// Response is the envelope of every reply.
type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

// Handler serves the API.
type Handler struct {
	cfg       Config
	st        Station
	tokenAuth *jwtauth.JWTAuth
}

// NewHandler creates a Handler for st.
func NewHandler(cfg Config, st Station) *Handler {
	cfg.Defaults()
	h := &Handler{cfg: cfg, st: st}
	if cfg.JWTSecret != "" {
		h.tokenAuth = jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
	} else {
		log.Warn("api.jwt_secret not set, staff routes are open")
	}
	return h
}

// Router builds the chi router with middleware and routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.cfg.RequestTimeout))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}).Handler)

	h.SetRoutes(r)
	return r
}

// SetRoutes mounts the API under /v1.
func (h *Handler) SetRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.StatusHandler)
		r.With(httprate.LimitByIP(h.cfg.LoanRateLimit, time.Minute)).Post("/loans", h.LoanHandler)

		// Staff routes
		r.Group(func(r chi.Router) {
			if h.tokenAuth != nil {
				r.Use(jwtauth.Verifier(h.tokenAuth))
				r.Use(h.authenticator)
			}

			r.Post("/returns/finalize", h.FinalizeReturnHandler)
			r.Get("/returns/last", h.LastReturnHandler)
			r.Post("/utility/read", h.ReadHandler)
			r.Post("/utility/wipe", h.WipeHandler)
		})
	})
}

// StaffToken issues a staff JWT valid for ttl.
func (h *Handler) StaffToken(staff string, ttl time.Duration) (string, error) {
	if h.tokenAuth == nil {
		return "", errNoSecret
	}
	_, token, err := h.tokenAuth.Encode(map[string]interface{}{
		"sub":  staff,
		"role": staffRole,
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return token, err
}

// NewServer wraps h in an http.Server with read, write and idle timeouts.
func NewServer(cfg Config, h *Handler) *http.Server {
	cfg.Defaults()
	return &http.Server{
		Addr:         cfg.Listen,
		Handler:      h.Router(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (h *Handler) createResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Debugf("Write response: %v", err)
	}
}

func loggerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log.WithFields(log.Fields{
					"remote":   r.RemoteAddr,
					"status":   ww.Status(),
					"duration": time.Since(start),
				}).Infof("%s %s", r.Method, r.RequestURI)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
