// Package monitoring implements the simulator's observability surface:
// Prometheus gauges plus a /healthz and /status HTTP server. Grounded on
// the teacher's chain/monitoring.MetricsServer (a registry of named
// Prometheus collectors behind a gorilla/mux router), trimmed from a
// full blockchain/consensus/network metrics set down to the handful of
// gauges this domain actually has: ledger balances, model accuracy, PM
// round/phase state, and registry size. Metrics are best-effort
// observability only — nothing here is consulted by core logic.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabsim/pkg/ledger"
	"collabsim/pkg/types"
)

// Snapshot is the point-in-time simulation state the driver publishes
// after each processed event.
type Snapshot struct {
	Now                   float64
	Balances              map[types.Address]ledger.Amount
	ModelAccuracy         float64
	RegistrySize          int
	MarketPhase           string
	RemainingBountyRounds float64
}

// Server exposes /healthz, /status, and /metrics for a running simulation.
type Server struct {
	mu          sync.RWMutex
	listenAddr  string
	registry    *prometheus.Registry
	httpServer  *http.Server
	logger      *log.Logger

	balance               *prometheus.GaugeVec
	modelAccuracy         prometheus.Gauge
	registrySize          prometheus.Gauge
	marketPhase           *prometheus.GaugeVec
	remainingBountyRounds prometheus.Gauge

	last Snapshot
}

// NewServer builds a Server bound to listenAddr, registering every gauge
// but not yet starting the HTTP listener (call Start for that).
func NewServer(listenAddr string) *Server {
	reg := prometheus.NewRegistry()

	s := &Server{
		listenAddr: listenAddr,
		registry:   reg,
		logger:     log.New(os.Stderr, "[monitoring] ", log.LstdFlags),
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collabsim_ledger_balance",
			Help: "Current ledger balance per address.",
		}, []string{"address"}),
		modelAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collabsim_model_accuracy",
			Help: "Current classifier accuracy on the held-out test set.",
		}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collabsim_registry_entries",
			Help: "Number of contributions stored in the data registry.",
		}),
		marketPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collabsim_market_phase",
			Help: "1 for the Prediction Market's current phase, 0 otherwise.",
		}, []string{"phase"}),
		remainingBountyRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collabsim_market_remaining_bounty_rounds",
			Help: "Prediction Market's remaining_bounty_rounds counter.",
		}),
	}

	reg.MustRegister(s.balance, s.modelAccuracy, s.registrySize, s.marketPhase, s.remainingBountyRounds)

	router := mux.NewRouter()
	router.Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Path("/healthz").HandlerFunc(s.healthHandler)
	router.Path("/status").HandlerFunc(s.statusHandler)
	s.httpServer = &http.Server{Addr: listenAddr, Handler: router}

	return s
}

// Start begins serving in the background. It returns immediately; errors
// from the listener are logged, not returned, matching the teacher's
// fire-and-forget metrics server goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Printf("monitoring server listening on %s", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("monitoring server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Publish records a new simulation snapshot into the Prometheus gauges.
// Called by the driver after each processed event (internal/driver).
func (s *Server) Publish(snap Snapshot) {
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	for addr, bal := range snap.Balances {
		s.balance.WithLabelValues(addr.Hex()).Set(float64(bal))
	}
	s.modelAccuracy.Set(snap.ModelAccuracy)
	s.registrySize.Set(float64(snap.RegistrySize))
	s.remainingBountyRounds.Set(snap.RemainingBountyRounds)
	if snap.MarketPhase != "" {
		s.marketPhase.Reset()
		s.marketPhase.WithLabelValues(snap.MarketPhase).Set(1)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// statusView is the JSON-safe projection of a Snapshot: encoding/json
// cannot key a map on types.Address ([20]byte has no text marshaler), so
// balances are re-keyed by their hex string here.
type statusView struct {
	Now                   float64            `json:"now"`
	Balances              map[string]float64 `json:"balances"`
	ModelAccuracy         float64            `json:"modelAccuracy"`
	RegistrySize          int                `json:"registrySize"`
	MarketPhase           string             `json:"marketPhase,omitempty"`
	RemainingBountyRounds float64            `json:"remainingBountyRounds"`
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	snap := s.last
	s.mu.RUnlock()

	view := statusView{
		Now:                   snap.Now,
		Balances:              make(map[string]float64, len(snap.Balances)),
		ModelAccuracy:         snap.ModelAccuracy,
		RegistrySize:          snap.RegistrySize,
		MarketPhase:           snap.MarketPhase,
		RemainingBountyRounds: snap.RemainingBountyRounds,
	}
	for addr, bal := range snap.Balances {
		view.Balances[addr.Hex()] = float64(bal)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.logger.Printf("status encode: %v", err)
	}
}
