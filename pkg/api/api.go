// Package api exposes the authenticated control surface the central
// controller drives: activation state, region assignment, loading
// queries, and the customer catalog.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"pollserv/pkg/poll"
	"pollserv/pkg/restauth"
)

// maximumRequestBody bounds an inbound request. Customer catalogs can be
// large; nothing else comes close.
const maximumRequestBody = 16 << 20

// API is the inbound control server. All endpoints are POST and all but
// the time-delta endpoint require a valid request MAC.
type API struct {
	pool   *poll.WorkerPool
	logger *logrus.Logger

	secretMutex sync.RWMutex
	secret      []byte

	limiter *rate.Limiter

	serverMutex sync.Mutex
	server      *http.Server
	port        uint16
}

// New creates the API bound to a worker pool. The server is not listening
// until Reconfigure is called with a port.
func New(pool *poll.WorkerPool, logger *logrus.Logger) *API {
	return &API{
		pool:    pool,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(200), 500),
	}
}

// SetSecret installs the inbound authentication secret.
func (a *API) SetSecret(secret []byte) {
	a.secretMutex.Lock()
	a.secret = append([]byte(nil), secret...)
	a.secretMutex.Unlock()
}

// Handler builds the full route stack. Exposed for tests.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/state/active", a.authenticated(a.handleStateActive))
	mux.Handle("/state/inactive", a.authenticated(a.handleStateInactive))
	mux.Handle("/region/change", a.authenticated(a.handleRegionChange))
	mux.Handle("/loading/get", a.authenticated(a.handleLoadingGet))
	mux.Handle("/customer/add", a.authenticated(a.handleCustomerAdd))
	mux.Handle("/customer/remove", a.authenticated(a.handleCustomerRemove))
	mux.Handle("/customer/pause", a.authenticated(a.handleCustomerPause))
	mux.Handle(restauth.DefaultTimeDeltaPath, restauth.TimeDeltaHandler())

	return a.rateLimited(mux)
}

// Reconfigure (re)binds the listener. A port change tears down the old
// listener and starts a new one.
func (a *API) Reconfigure(port uint16) {
	a.serverMutex.Lock()
	defer a.serverMutex.Unlock()

	if a.server != nil {
		if a.port == port {
			return
		}
		a.server.Close()
	}

	a.port = port
	server := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.server = server

	go func() {
		a.logger.Infof("Starting inbound API server on port %d...", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatalf("Failed to start inbound API server: %v", err)
		}
	}()
}

// Close stops the listener.
func (a *API) Close() {
	a.serverMutex.Lock()
	defer a.serverMutex.Unlock()
	if a.server != nil {
		a.server.Close()
		a.server = nil
	}
}

// rateLimited drops request floods before they reach authentication.
func (a *API) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlerFunc processes a verified request payload and returns the
// response object, or nil for a bad request.
type handlerFunc func(payload []byte) any

// authenticated unwraps and verifies the signed envelope before invoking
// the handler. Verification failures are indistinguishable to the
// caller: everything is 401.
func (a *API) authenticated(handler handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maximumRequestBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		a.secretMutex.RLock()
		secret := a.secret
		a.secretMutex.RUnlock()

		payload, err := restauth.Open(secret, body, restauth.Now().Unix())
		if err != nil {
			a.logger.Debugf("Rejected inbound request to %s: %v", r.URL.Path, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		response := handler(payload)
		if response == nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	})
}
