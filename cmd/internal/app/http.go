package app

import (
	"context"
	"net/http"
	"time"

	"anchor/cmd/internal/anchoring"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && !a.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if err := pingStore(r.Context(), a.store, 2*time.Second); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.store.not_ready", "store", a.cfg.Store, "err", err)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if a.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
			ErrorLog: slogErrorLogger{log: a.log},
		}))
	}

	a.api.Register(mux)

	mux.HandleFunc("/ws", a.ws.HandleWS)
}

// pingStore checks stores backed by a database within timeout.
// Stores without a remote dependency are always ready.
func pingStore(parent context.Context, st anchoring.ChainStore, timeout time.Duration) error {
	p, ok := st.(anchoring.Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return p.Ping(ctx)
}

// slogErrorLogger adapts slog to promhttp's Logger.
type slogErrorLogger struct {
	log Logger
}

func (l slogErrorLogger) Println(v ...any) {
	l.log.Error("metrics.http.fail", "err", v)
}
