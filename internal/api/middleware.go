package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dwarf-go/internal/dwarf"
)

var apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "dwarf",
	Name:      "api_requests_total",
	Help:      "API requests by service and response code.",
}, []string{"service", "code"})

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument logs each request and counts it by response code.
func instrument(service string, logger dwarf.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)
			apiRequests.WithLabelValues(service, strconv.Itoa(rec.code)).Inc()
		})
	}
}

// newRouter returns a router with the request middleware installed and JSON
// 404/405 responses.
func newRouter(service string, logger dwarf.Logger) *mux.Router {
	rs := responder{logger: logger}
	r := mux.NewRouter()
	r.Use(instrument(service, logger))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rs.msg(w, http.StatusNotFound, "The resource could not be found.")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rs.msg(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})
	return r
}
