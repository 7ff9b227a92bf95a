// Package daemon exposes the broker over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/xid"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/broker"
	"github.com/stephendonner/loads-broker/pkg/logging"
	"github.com/stephendonner/loads-broker/pkg/store"
)

// Daemon serves the broker API:
//
//   - POST /run?plan=<name>: submit a plan document, start a run.
//   - GET  /runs: list recorded runs.
//   - GET  /runs/{uuid}: fetch one run.
//   - POST /runs/{uuid}/abort: stop an active run.
//   - GET  /health: liveness.
type Daemon struct {
	broker *broker.Broker
	server *http.Server
	l      net.Listener
	doneCh chan struct{}
}

// New creates a daemon listening on addr.
func New(addr string, b *broker.Broker) (*Daemon, error) {
	d := &Daemon{broker: b, doneCh: make(chan struct{})}

	r := mux.NewRouter()

	// Set a unique request ID.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.Header.Set("X-Request-ID", xid.New().String())
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/run", d.runHandler).Methods("POST")
	r.HandleFunc("/runs", d.listHandler).Methods("GET")
	r.HandleFunc("/runs/{uuid}", d.getHandler).Methods("GET")
	r.HandleFunc("/runs/{uuid}/abort", d.abortHandler).Methods("POST")
	r.HandleFunc("/health", d.healthHandler).Methods("GET")

	d.server = &http.Server{
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	var err error
	d.l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Serve blocks until the server is closed.
func (d *Daemon) Serve() error {
	logging.S().Infow("daemon listening", "addr", d.Addr())
	return d.server.Serve(d.l)
}

func (d *Daemon) Addr() string {
	return d.l.Addr().String()
}

// Shutdown stops the server and aborts active runs.
func (d *Daemon) Shutdown(ctx context.Context) error {
	select {
	case <-d.doneCh:
		return nil
	default:
		close(d.doneCh)
	}
	d.broker.Shutdown()
	return d.server.Shutdown(ctx)
}

func (d *Daemon) runHandler(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	project, err := api.ParseProject(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := d.broker.RunPlan(context.Background(), project, req.URL.Query().Get("plan"), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.UUID,
		"state":  api.StatusText(run.State),
	})
}

func (d *Daemon) listHandler(w http.ResponseWriter, req *http.Request) {
	runs, err := d.broker.Runs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (d *Daemon) getHandler(w http.ResponseWriter, req *http.Request) {
	run, err := d.broker.GetRun(mux.Vars(req)["uuid"])
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (d *Daemon) abortHandler(w http.ResponseWriter, req *http.Request) {
	uuid := mux.Vars(req)["uuid"]
	if !d.broker.AbortRun(uuid) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active run " + uuid})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": uuid, "state": "aborting"})
}

func (d *Daemon) healthHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
