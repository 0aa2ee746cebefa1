// Package control exposes a small HTTP surface for reading dispatcher/
// accelerator statistics and toggling runtime flags without a restart.
package control

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/edonshumolli/satellite-quic-proxy/internal/accel"
	"github.com/edonshumolli/satellite-quic-proxy/internal/quicproxy"
)

// Dispatcher is the subset of *quicproxy.Dispatcher the control server
// needs; declared as an interface so tests can supply a stub.
type Dispatcher interface {
	Stats() quicproxy.Stats
	SetAccelerationEnabled(bool)
	SetVerboseLogging(bool)
}

// Server is a gorilla/mux-backed HTTP control surface. It carries no
// authentication or TLS termination: it is meant for a trusted operator
// network.
type Server struct {
	router     *mux.Router
	dispatcher Dispatcher
	facade     *accel.Facade
}

// NewServer wires up the stats and control routes.
func NewServer(dispatcher Dispatcher, facade *accel.Facade) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		dispatcher: dispatcher,
		facade:     facade,
	}
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/control/acceleration", s.handleSetAcceleration).Methods(http.MethodPost)
	s.router.HandleFunc("/control/verbose", s.handleSetVerbose).Methods(http.MethodPost)
	return s
}

// ServeHTTP makes Server an http.Handler, to be bound to a listener by its
// caller.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statsResponse struct {
	TotalConnections      uint64  `json:"total_connections"`
	ActiveConnections     int     `json:"active_connections"`
	BytesSent             uint64  `json:"bytes_sent"`
	PacketsSent           uint64  `json:"packets_sent"`
	CryptoOps             uint64  `json:"crypto_ops"`
	CompressionOps        uint64  `json:"compression_ops"`
	PacketOps             uint64  `json:"packet_ops"`
	AcceleratorBytes      uint64  `json:"accelerator_bytes"`
	AcceleratorTimeMs     float64 `json:"accelerator_processing_time_ms"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dispatcherStats := s.dispatcher.Stats()

	resp := statsResponse{
		TotalConnections:  dispatcherStats.TotalConnections,
		ActiveConnections: dispatcherStats.ActiveConnections,
		BytesSent:         dispatcherStats.BytesSent,
		PacketsSent:       dispatcherStats.PacketsSent,
	}
	if s.facade != nil {
		accelStats := s.facade.Stats()
		resp.CryptoOps = accelStats.CryptoOps
		resp.CompressionOps = accelStats.CompressionOps
		resp.PacketOps = accelStats.PacketOps
		resp.AcceleratorBytes = accelStats.TotalBytes
		resp.AcceleratorTimeMs = accelStats.TotalProcessingTimeMs
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("Failed to write stats response")
	}
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetAcceleration(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatcher.SetAccelerationEnabled(req.Enabled)
	log.WithField("enabled", req.Enabled).Info("Acceleration toggled via control surface")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetVerbose(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.dispatcher.SetVerboseLogging(req.Enabled)
	log.WithField("enabled", req.Enabled).Info("Verbose logging toggled via control surface")
	w.WriteHeader(http.StatusNoContent)
}
