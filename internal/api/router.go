package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Routes bundles what the routers mount besides the API handler.
type Routes struct {
	Auth    func(http.Handler) http.Handler
	WS      http.HandlerFunc
	Metrics http.Handler
	Log     *logrus.Entry
}

func (rt Routes) auth() func(http.Handler) http.Handler {
	if rt.Auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return rt.Auth
}

func SetupDataRouter(apiHandler *APIHandler, rt Routes) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(rt.Log))
	r.Use(middleware.Recoverer)

	r.With(rt.auth()).Post("/data/{sensorID}", apiHandler.HandleDataIngest)

	return r
}

func SetupUIRouter(apiHandler *APIHandler, rt Routes) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(rt.Log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandler.Health)
	if rt.Metrics != nil {
		r.Handle("/metrics", rt.Metrics)
	}
	if rt.WS != nil {
		r.With(rt.auth()).Get("/ws", rt.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(rt.auth())
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/sensors", func(r chi.Router) {
			r.Get("/", apiHandler.ListSensors)
			r.Post("/", apiHandler.CreateSensor)
			r.Get("/stats", apiHandler.SensorStats)
			r.Get("/{id}", apiHandler.GetSensor)
			r.Patch("/{id}", apiHandler.UpdateSensor)
			r.Put("/{id}", apiHandler.UpdateSensor)
			r.Delete("/{id}", apiHandler.DeleteSensor)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", apiHandler.ListRules)
			r.Post("/", apiHandler.CreateRule)
			r.Get("/{id}", apiHandler.GetRule)
			r.Put("/{id}", apiHandler.UpdateRule)
			r.Delete("/{id}", apiHandler.DeleteRule)
		})

		r.Route("/capsules", func(r chi.Router) {
			r.Get("/", apiHandler.ActiveCapsules)
			r.Get("/pending", apiHandler.PendingCapsules)
			r.Get("/rejected", apiHandler.RejectedCapsules)
			r.Post("/{id}/resolve", apiHandler.ResolveCapsule)
			r.Post("/{id}/dismiss", apiHandler.DismissCapsule)
		})

		r.Get("/consensus", apiHandler.GetConsensus)
		r.Put("/consensus", apiHandler.UpdateConsensus)
		r.Get("/consensus/health", apiHandler.ConsensusHealth)
	})

	return r
}

// requestLogger logs one line per request through logrus.
func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if log == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("http request")
		})
	}
}
