package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// ServeOps starts the operational HTTP server in the background: /metrics
// and /healthz, wrapped in panic recovery, request logging, and OTel
// spans. Processes call it once; listen errors are logged, never fatal.
func (r *Registry) ServeOps(port int, service string, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})

	handler := otelhttp.NewHandler(opsMiddleware(mux, log), service)
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), handler); err != nil {
			log.Warn("metrics: ops server stopped", "service", service, "port", port, "error", err)
		}
	}()
}

// opsMiddleware recovers panics and logs each request with its status and
// duration.
func opsMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				log.Error("metrics: handler panic", "path", req.URL.Path, "panic", fmt.Sprintf("%v", p))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			log.Info("metrics: request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", sw.status,
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(sw, req)
	})
}

// statusWriter captures the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}
