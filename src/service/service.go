// Package service exposes a read-only HTTP API over the master's fleet
// state, for operators and dashboards.
package service

import (
	"encoding/json"
	"net/http"

	"github.com/neopool/jormaster/src/master"
	"github.com/sirupsen/logrus"
)

// Service serves the master's last published fleet snapshot as JSON.
type Service struct {
	bindAddress string
	master      *master.Master
	mux         *http.ServeMux
	logger      *logrus.Entry
}

// NewService returns a Service bound to the given master.
func NewService(bindAddress string, m *master.Master, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		master:      m,
		mux:         http.NewServeMux(),
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering jormaster API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/runners", s.makeHandler(s.GetRunners))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// ServeHTTP makes the service mountable in tests and other servers.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving jormaster API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats returns the fleet snapshot.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.master.GetSnapshot())
}

// GetRunners returns only the per-runner states.
func (s *Service) GetRunners(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.master.GetSnapshot().Runners)
}
