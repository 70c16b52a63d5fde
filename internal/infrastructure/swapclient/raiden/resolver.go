package raiden

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

const (
	resolvePath           = "/resolveraiden"
	defaultResolveTimeout = 60 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// resolver is the http endpoint the raiden node calls to get the secret of
// an incoming payment.
type resolver struct {
	svc     *Service
	port    int
	timeout time.Duration
	router  http.Handler

	lock     *sync.Mutex
	server   *http.Server
	listener net.Listener
}

func newResolver(svc *Service, port int, timeout time.Duration) *resolver {
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	r := &resolver{
		svc:     svc,
		port:    port,
		timeout: timeout,
		lock:    &sync.Mutex{},
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Post(resolvePath, r.handleResolve)
	r.router = router
	return r
}

func (r *resolver) start() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", r.port))
	if err != nil {
		return fmt.Errorf("failed to listen for resolve requests: %w", err)
	}
	r.listener = listener
	r.server = &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("raiden: resolver stopped unexpectedly")
		}
	}(r.server)

	log.Infof("raiden: resolver listening on %s", listener.Addr())
	return nil
}

func (r *resolver) addr() string {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *resolver) stop() {
	r.lock.Lock()
	server := r.server
	r.server = nil
	r.listener = nil
	r.lock.Unlock()

	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("raiden: failed to shutdown resolver")
	}
}

func (r *resolver) handleResolve(w http.ResponseWriter, req *http.Request) {
	body := resolveRequest{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Amount.Int == nil || body.Amount.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	hash, err := hashFromHex(body.SecretHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid secrethash")
		return
	}

	client, ok := r.svc.clientForToken(body.Token)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown token")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.timeout)
	defer cancel()

	preimage, err := client.resolve(ctx, hash, body.Amount.Int)
	if err != nil {
		log.WithError(err).Debugf(
			"raiden: resolve request for %s not fulfilled", hash,
		)
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, ErrInvoiceNotFound):
			status = http.StatusNotFound
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		case errors.Is(err, ErrClientClosed):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{Secret: preimageToHex(preimage)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("raiden: failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Errors: msg})
}
