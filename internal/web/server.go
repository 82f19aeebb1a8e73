// Package web serves the vehicle's HTTP API: status, the latest state, a
// live snapshot stream, policy switching, control targets, logs and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rcvehicle/internal/hal"
	"rcvehicle/internal/loop"
	"rcvehicle/internal/policy"
	"rcvehicle/internal/telemetry"
)

// Controller is the part of the control loop the API reads and steers.
// *loop.Loop implements it.
type Controller interface {
	Status() loop.Status
	Latest() (loop.Snapshot, bool)
	Policy() policy.Policy
	SetPolicy(p policy.Policy) error
}

// TargetSink accepts control targets from HTTP clients.
type TargetSink interface {
	SetTarget(ctx context.Context, t hal.ControlTarget) error
}

// TargetStoreSink writes straight into the loop's TargetStore.
type TargetStoreSink struct{ Store *hal.TargetStore }

func (s TargetStoreSink) SetTarget(_ context.Context, t hal.ControlTarget) error {
	s.Store.Set(t)
	return nil
}

type Options struct {
	Status *Status
	Loop   Controller
	// PolicyConfig is the base configuration for policies built by
	// POST /api/policy; only the kind changes.
	PolicyConfig policy.Config
	// Targets is optional; without it POST /api/target is not available.
	Targets      TargetSink
	TargetSource func() hal.ControlTarget
	Stream       *telemetry.Hub
	Logs         *LogBuffer
	Metrics      http.Handler
}

func Handler(opts Options) http.Handler {
	if opts.Status == nil {
		opts.Status = NewStatus()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, opts.Status.Snapshot(time.Now().UTC(), opts.Loop, opts.Stream))
	})

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if opts.Loop == nil {
			http.Error(w, "loop unavailable", http.StatusServiceUnavailable)
			return
		}
		snap, ok := opts.Loop.Latest()
		if !ok {
			http.Error(w, "no state yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("/api/policy", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if opts.Loop == nil {
			http.Error(w, "loop unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodPost {
			var req struct {
				Kind string `json:"kind"`
			}
			if err := decodeBody(r, &req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			cfg := opts.PolicyConfig.Normalize()
			cfg.Kind = req.Kind
			p, err := policy.New(cfg)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := opts.Loop.SetPolicy(p); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		}
		resp := struct {
			Active    string   `json:"active"`
			Available []string `json:"available"`
		}{Available: policy.Kinds()}
		if p := opts.Loop.Policy(); p != nil {
			resp.Active = p.Name()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/target", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if r.Method == http.MethodGet {
			if opts.TargetSource == nil {
				http.Error(w, "targets unavailable", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, opts.TargetSource())
			return
		}
		if opts.Targets == nil {
			http.Error(w, "targets are read-only", http.StatusNotFound)
			return
		}
		var t hal.ControlTarget
		if err := decodeBody(r, &t); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// The receive time is what the dead-man measures against.
		t.UpdatedAt = time.Now().UTC()
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := opts.Targets.SetTarget(ctx, t); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, t)
	})

	if opts.Stream != nil {
		mux.Handle("/api/stream", streamHandler(opts.Stream))
	}
	if opts.Logs != nil {
		mux.Handle("/api/logs", opts.Logs.Handler())
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = fmt.Fprint(w, indexHTML)
	})

	return mux
}

const indexHTML = `<!doctype html>
<html><head><meta charset="utf-8"><title>rcvehicle</title></head>
<body>
<h1>rcvehicle</h1>
<ul>
<li><a href="/api/status">/api/status</a></li>
<li><a href="/api/state">/api/state</a></li>
<li><a href="/api/policy">/api/policy</a></li>
<li><a href="/api/stream">/api/stream</a> (server-sent events)</li>
<li><a href="/api/logs?format=text">/api/logs</a></li>
<li><a href="/metrics">/metrics</a></li>
</ul>
</body></html>
`

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	allow := methods[0]
	for _, m := range methods[1:] {
		allow += ", " + m
	}
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// Serve runs the API until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: /api/stream is long-lived.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
