// Package httpapi is the operator-facing REST surface over the gateway:
// connectivity queries, command dispatch and relay toggling.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"

	"github.com/fleetgate/fleetgate/gate"
	"github.com/fleetgate/fleetgate/log2"
	"github.com/fleetgate/fleetgate/wire"
)

type Server struct {
	log  *log2.Log
	gate *gate.Gateway
	mux  *chi.Mux
}

func NewServer(log *log2.Log, g *gate.Gateway) *Server {
	s := &Server{log: log, gate: g}
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Get("/health", s.health)
	r.Get("/connections", s.connections)
	r.Route("/devices/{imei}", func(r chi.Router) {
		r.Get("/", s.deviceStatus)
		r.Post("/commands", s.deviceCommand)
		r.Post("/relay", s.deviceRelay)
	})
	s.mux = r
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugf("http %s %s %v", r.Method, r.URL.Path, time.Since(begin))
	})
}

func (s *Server) respond(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Errorf("http respond err=%v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, err error) {
	s.respond(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"connections": s.gate.ConnectionCount(),
	})
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	list := s.gate.ListConnected()
	s.respond(w, http.StatusOK, map[string]interface{}{
		"count":   len(list),
		"devices": list,
	})
}

func (s *Server) deviceStatus(w http.ResponseWriter, r *http.Request) {
	imei := chi.URLParam(r, "imei")
	s.respond(w, http.StatusOK, s.gate.DeviceStatus(imei))
}

type commandRequest struct {
	Type     string            `json:"type"`
	Params   map[string]string `json:"params,omitempty"`
	Priority int               `json:"priority"`
}

func (s *Server) deviceCommand(w http.ResponseWriter, r *http.Request) {
	imei := chi.URLParam(r, "imei")
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Annotate(err, "decode body"))
		return
	}

	res, err := s.gate.SendCommand(imei, wire.CommandType(req.Type), req.Params, req.Priority)
	if err != nil {
		if errors.IsNotFound(errors.Cause(err)) {
			s.respondError(w, http.StatusBadRequest, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	code := http.StatusOK
	if res.Queued {
		code = http.StatusAccepted
	}
	s.respond(w, code, res)
}

type relayRequest struct {
	On bool `json:"on"`
}

func (s *Server) deviceRelay(w http.ResponseWriter, r *http.Request) {
	imei := chi.URLParam(r, "imei")
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, errors.Annotate(err, "decode body"))
		return
	}

	err := s.gate.TurnRelay(r.Context(), imei, req.On)
	switch errors.Cause(err) {
	case nil:
		s.respond(w, http.StatusOK, map[string]interface{}{"confirmed": true, "on": req.On})
	case gate.ErrOffline:
		s.respondError(w, http.StatusConflict, err)
	case gate.ErrConfirmTimeout:
		s.respondError(w, http.StatusGatewayTimeout, err)
	case context.Canceled, context.DeadlineExceeded:
		s.respondError(w, http.StatusGatewayTimeout, err)
	default:
		s.respondError(w, http.StatusInternalServerError, err)
	}
}
