package server

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/api"
	"github.com/couchtail/couchtail/internal/feed"
)

// StatusSource reports the state of every followed database. The daemon
// implements it over its consumers.
type StatusSource interface {
	Statuses() []feed.Status
}

// Subscriber handles websocket subscription upgrades; nil disables /ws.
type Subscriber interface {
	HandleSubscribe(w http.ResponseWriter, r *http.Request)
	Subscribers() int
}

// Server is the read-only status surface of the daemon.
type Server struct {
	source StatusSource
	hub    Subscriber
	logger *zap.Logger
}

func New(source StatusSource, hub Subscriber, logger *zap.Logger) *Server {
	return &Server{source: source, hub: hub, logger: logger}
}

func NewRouter(server *Server, logger *zap.Logger) (http.Handler, error) {
	// Load the embedded OpenAPI spec for request validation
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, err
	}
	if err := swagger.Validate(loader.Context); err != nil {
		return nil, err
	}
	swagger.Servers = nil // Allow any host

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/healthz", healthzHandler)
	r.Get("/openapi.yaml", openapiHandler)
	if server.hub != nil {
		r.Get("/ws", server.hub.HandleSubscribe)
	}

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))

		apiRouter.Get("/v1/status", server.handleStatus)
		apiRouter.Get("/v1/databases/{database}", server.handleDatabase)
	})

	return r, nil
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func openapiHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(api.OpenAPISpec)
}
