// Package httpapi serves the relay's plain HTTP surface: the service banner,
// the status snapshot, and the Wake-on-LAN trigger. Everything is JSON and
// every response carries permissive CORS headers so browser controllers can
// call it from any origin.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/remlink/relay/relay/server"
	"github.com/remlink/relay/wol"
)

// features advertised by the service banner.
var features = []string{
	"remote-control",
	"file-transfer",
	"trusted-devices",
	"wake-on-lan",
}

// Config wires the API to the relay core.
type Config struct {
	Version string
	Stats   func() server.Stats
	// SendWOL broadcasts a magic packet; nil uses the real network sender.
	SendWOL func(mac, addr string, port int) error
	Logger  *logrus.Logger
}

// API is the HTTP handler set.
type API struct {
	cfg Config
	log *logrus.Logger
}

// New validates the config and returns the API.
func New(cfg Config) *API {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.SendWOL == nil {
		cfg.SendWOL = wol.Send
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &API{cfg: cfg, log: cfg.Logger}
}

// Router builds the chi router for the API.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Get("/", a.handleRoot)
	r.Get("/status", a.handleStatus)
	r.Post("/wol", a.handleWOL)
	return r
}

// corsMiddleware stamps permissive CORS headers and short-circuits
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "remlink-relay",
		"version":  a.cfg.Version,
		"features": features,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st server.Stats
	if a.cfg.Stats != nil {
		st = a.cfg.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"version":   a.cfg.Version,
		"computers": st.Computers,
		"clients":   st.Clients,
		"sessions":  st.Sessions,
	})
}

type wolRequest struct {
	MAC         string `json:"mac"`
	BroadcastIP string `json:"broadcastIp,omitempty"`
	Port        int    `json:"port,omitempty"`
}

func (a *API) handleWOL(w http.ResponseWriter, r *http.Request) {
	var req wolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.MAC == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "MAC address is required"})
		return
	}
	addr := req.BroadcastIP
	if addr == "" {
		addr = wol.DefaultBroadcastAddr
	}
	port := req.Port
	if port <= 0 {
		port = wol.DefaultPort
	}
	if err := a.cfg.SendWOL(req.MAC, addr, port); err != nil {
		a.log.WithError(err).WithField("mac", req.MAC).Warn("wake-on-lan send failed")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Failed to send wake packet",
			"details": err.Error(),
		})
		return
	}
	a.log.WithField("mac", req.MAC).Info("wake-on-lan packet sent")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"mac":     req.MAC,
		"target":  net.JoinHostPort(addr, fmt.Sprintf("%d", port)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
