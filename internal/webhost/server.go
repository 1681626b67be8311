package webhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chaz8081/blebridge/internal/ble"
	"github.com/chaz8081/blebridge/internal/config"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  int    `json:"code"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type charRequest struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

type writeRequest struct {
	charRequest
	Data string `json:"data"`
}

type writeHexRequest struct {
	charRequest
	Hex string `json:"hex"`
}

type notificationsBody struct {
	Enabled bool `json:"enabled"`
}

type transferResponse struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Chunk          int    `json:"chunk"`
	TotalChunks    int    `json:"totalChunks"`
	Chunked        bool   `json:"chunked"`
}

// Server serves the REST API, the WebSocket endpoint and, optionally, a
// static web app.
type Server struct {
	cfg    config.ServerConfig
	bridge Bridge
	hub    *Hub
	router chi.Router
}

// NewServer builds the router for bridge and hub.
func NewServer(cfg config.ServerConfig, bridge Bridge, hub *Hub) *Server {
	s := &Server{cfg: cfg, bridge: bridge, hub: hub}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	if len(s.cfg.AllowOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.health)
	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(w, r, Dispatch(s.bridge))
	})

	r.Route("/api/v1/bluetooth", func(r chi.Router) {
		r.Use(chimw.Timeout(requestTimeout))

		r.Get("/supported", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"supported": s.bridge.IsBluetoothSupported()})
		})
		r.Get("/enabled", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.bridge.IsBluetoothEnabled()})
		})
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeRaw(w, s.bridge.GetBluetoothStatus())
		})
		r.Get("/paired", func(w http.ResponseWriter, _ *http.Request) {
			writeRaw(w, s.bridge.GetPairedDevices())
		})
		r.Get("/permissions", func(w http.ResponseWriter, _ *http.Request) {
			writeRaw(w, s.bridge.GetMissingPermissions())
		})
		r.Get("/notifications", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, notificationsBody{Enabled: s.bridge.IsNotificationsEnabled()})
		})
		r.Put("/notifications", s.setNotifications)
		r.Get("/transfer", s.transfer)

		r.Post("/connect", s.connect)
		r.Post("/disconnect", func(w http.ResponseWriter, _ *http.Request) {
			accepted(w, s.bridge.Disconnect())
		})
		r.Post("/write", s.write)
		r.Post("/write-hex", s.writeHex)
		r.Post("/read", s.read)
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"clients":   s.hub.Count(),
		"connected": s.bridge.IsConnected(),
	})
}

func (s *Server) setNotifications(w http.ResponseWriter, r *http.Request) {
	var body notificationsBody
	if !decode(w, r, &body) {
		return
	}
	s.bridge.SetNotificationsEnabled(body.Enabled)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) transfer(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.bridge.ActiveTransfer()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, transferResponse{
		Service:        p.Char.Service,
		Characteristic: p.Char.Characteristic,
		Chunk:          p.Index + 1,
		TotalChunks:    p.TotalChunks,
		Chunked:        p.Chunked,
	})
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !decode(w, r, &req) {
		return
	}
	accepted(w, s.bridge.ConnectToDevice(req.Address))
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if !decode(w, r, &req) {
		return
	}
	accepted(w, s.bridge.WriteData(req.Service, req.Characteristic, req.Data))
}

func (s *Server) writeHex(w http.ResponseWriter, r *http.Request) {
	var req writeHexRequest
	if !decode(w, r, &req) {
		return
	}
	accepted(w, s.bridge.WriteRawHexData(req.Service, req.Characteristic, req.Hex))
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	var req charRequest
	if !decode(w, r, &req) {
		return
	}
	accepted(w, s.bridge.ReadCharacteristic(req.Service, req.Characteristic))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[WEB] listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("[WEB] shutting down")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return false
	}
	return true
}

// accepted answers a call whose outcome arrives later as an event.
func accepted(w http.ResponseWriter, err error) {
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// statusFor maps a bridge error kind to an HTTP status.
func statusFor(kind ble.ErrorKind) int {
	switch kind {
	case ble.KindInvalidEncoding:
		return http.StatusBadRequest
	case ble.KindMissingPermission:
		return http.StatusForbidden
	case ble.KindServiceNotFound, ble.KindCharacteristicNotFound:
		return http.StatusNotFound
	case ble.KindNotConnected, ble.KindTransferBusy:
		return http.StatusConflict
	case ble.KindWriteNotSupported:
		return http.StatusUnprocessableEntity
	case ble.KindAdapterUnavailable, ble.KindAdapterDisabled:
		return http.StatusServiceUnavailable
	case ble.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeBridgeError(w http.ResponseWriter, err error) {
	kind := ble.KindOf(err)
	name := ""
	if kind != 0 {
		name = kind.String()
	}
	writeError(w, statusFor(kind), err.Error(), name)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("[WEB] encode response", "error", err)
	}
}

func writeRaw(w http.ResponseWriter, body string) {
	writeJSON(w, http.StatusOK, json.RawMessage(body))
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind, Code: status})
}
