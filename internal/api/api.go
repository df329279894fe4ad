package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/instrument-controller/db"
	"github.com/thatsimonsguy/instrument-controller/internal/device"
	"github.com/thatsimonsguy/instrument-controller/internal/model"
	"github.com/thatsimonsguy/instrument-controller/internal/property"
)

const (
	RequestIDHeader         = "X-Request-ID"
	defaultTransitionsLimit = 50
)

type Server struct {
	devices *device.Set
	db      *sql.DB
	srv     *http.Server
}

type DeviceResponse struct {
	model.DeviceStatus
	Properties []string `json:"properties"`
}

type PropertyRequest struct {
	Elements map[string]any `json:"elements"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// NewServer serves the devices of set. database may be nil, in which case
// the transitions endpoint reports 503.
func NewServer(set *device.Set, database *sql.DB) *Server {
	return &Server{devices: set, db: database}
}

// Handler returns the API routes wrapped in the CORS and request id
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/devices/", s.handleDeviceOperations)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start listens on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	response := []DeviceResponse{}
	for _, dev := range s.devices.All() {
		response = append(response, describe(dev))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeviceOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/devices/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		s.writeError(w, r, http.StatusNotFound, "Device name required")
		return
	}

	dev, err := s.devices.Get(parts[0])
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "Device not found")
		return
	}

	switch {
	case len(parts) == 1:
		// /api/devices/{name}
		if r.Method != http.MethodGet {
			s.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.writeJSON(w, http.StatusOK, describe(dev))
	case len(parts) == 2 && parts[1] == "properties":
		if r.Method != http.MethodGet {
			s.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.writeJSON(w, http.StatusOK, dev.Properties().Snapshot())
	case len(parts) == 2 && parts[1] == "transitions":
		if r.Method != http.MethodGet {
			s.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.getTransitions(w, r, dev)
	case len(parts) == 3 && parts[1] == "properties":
		switch r.Method {
		case http.MethodGet:
			s.getProperty(w, r, dev, parts[2])
		case http.MethodPut:
			s.setProperty(w, r, dev, parts[2])
		default:
			s.writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
		}
	default:
		s.writeError(w, r, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) getProperty(w http.ResponseWriter, r *http.Request, dev device.Device, name string) {
	p, ok := dev.Properties().Get(name)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "Property not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) setProperty(w http.ResponseWriter, r *http.Request, dev device.Device, name string) {
	var req PropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Elements) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	logger := log.With().
		Str("request_id", r.Header.Get(RequestIDHeader)).
		Str("device", dev.Name()).
		Str("property", name).
		Logger()

	err := dev.Properties().Dispatch(property.Update{Device: dev.Name(), Name: name, Elements: req.Elements})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).Msg("Property update failed")
		} else {
			logger.Warn().Err(err).Msg("Property update rejected")
		}
		s.writeError(w, r, status, err.Error())
		return
	}

	logger.Info().Interface("elements", req.Elements).Msg("Property updated via API")
	p, _ := dev.Properties().Get(name)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) getTransitions(w http.ResponseWriter, r *http.Request, dev device.Device) {
	if s.db == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "History not available")
		return
	}
	limit := defaultTransitionsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	trs, err := db.GetTransitions(s.db, dev.Name(), limit)
	if err != nil {
		log.Error().Err(err).Str("device", dev.Name()).Msg("Failed to get transitions")
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if trs == nil {
		trs = []db.Transition{}
	}
	s.writeJSON(w, http.StatusOK, trs)
}

func describe(dev device.Device) DeviceResponse {
	return DeviceResponse{DeviceStatus: dev.Status(), Properties: dev.Properties().Names()}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, property.ErrUnknownProperty):
		return http.StatusNotFound
	case errors.Is(err, property.ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, property.ErrUnknownElement), errors.Is(err, property.ErrBadValue):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrNotReady):
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message, RequestID: r.Header.Get(RequestIDHeader)})
}
