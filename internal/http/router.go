package http

import (
	"net/http"
	"time"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-proxy/internal/lifecycle"
	"github.com/kjstillabower/city-weather-proxy/internal/observability"
)

// RouterConfig controls route registration and the outer CORS layer.
type RouterConfig struct {
	RequestTimeout     time.Duration
	TestingMode        bool
	CORSAllowedOrigins []string
}

// NewRouter registers every route on a mux router and wraps it in CORS.
// CORS sits outside the router so preflight OPTIONS requests are answered
// even though no route is registered for that method.
func NewRouter(h *Handler, state *lifecycle.State, logger *zap.Logger, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(state))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	var weather http.Handler = http.HandlerFunc(h.GetWeather)
	if cfg.RequestTimeout > 0 {
		weather = TimeoutMiddleware(cfg.RequestTimeout)(weather)
	}
	router.Handle("/weather", weather).Methods(http.MethodGet)
	router.Handle("/weather/{city}", weather).Methods(http.MethodGet)

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoints exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/readings/{city}", h.DeleteReading).Methods(http.MethodDelete)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Correlation-ID"},
		ExposedHeaders: []string{"X-Cache", "X-Correlation-ID"},
		MaxAge:         300,
	})(router)
}
