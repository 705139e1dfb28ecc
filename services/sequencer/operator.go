package sequencer

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/confidential_sequencer/internal/httputil"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
)

// FlushResult is the body returned by the operator flush endpoint.
type FlushResult struct {
	Flushed int    `json:"flushed"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// OperatorHandler serves the enclave's private operator listener: Prometheus
// metrics and a manual flush. It must never be mounted on the public host API.
func OperatorHandler(s *Service) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/flush", s.handleFlush).Methods(http.MethodPost)
	return r
}

func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	before := s.queue.Len()
	err := s.flusher.FlushNow(r.Context())
	pending := s.queue.Len()

	res := FlushResult{Flushed: before - pending, Pending: pending}
	if res.Flushed < 0 {
		res.Flushed = 0
	}
	s.log.Info(r.Context(), "operator flush", map[string]interface{}{
		"flushed": res.Flushed,
		"pending": res.Pending,
	})
	if err != nil {
		res.Error = err.Error()
		httputil.WriteJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
