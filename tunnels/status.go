package tunnels

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// TunnelStatus is one forwarding of a device in the status report.
// The field names are an external contract, do not rename them.
type TunnelStatus struct {
	LocalPort  int `json:"Local Port"`
	DevicePort int `json:"Device Port"`
}

// DeviceStatus describes one attached and mapped device in the status report.
type DeviceStatus struct {
	Nickname string         `json:"Nickname"`
	DeviceID int            `json:"Usbmuxd assigned iDevice ID"`
	Udid     string         `json:"iDevice UDID"`
	Tunnels  []TunnelStatus `json:"Tunnels"`
}

// StatusReport is the body of GET / on the status server.
type StatusReport struct {
	Uptime               float64        `json:"uptime"`
	AsyncExceptionsCount int64          `json:"async_exceptions_count"`
	TunnelsCreatedCount  int64          `json:"tunnels_created_count"`
	TunnelTimeouts       int64          `json:"tunnel_timeouts"`
	MappingsFile         string         `json:"mappings_file"`
	StatusData           []DeviceStatus `json:"status_data"`
}

// Snapshot builds a status report from the current engine state.
func (e *Engine) Snapshot() StatusReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	statusData := make([]DeviceStatus, 0, len(e.listeners))
	for deviceID, pls := range e.listeners {
		if len(pls) == 0 {
			continue
		}
		udid := pls[0].udid
		nickname := e.mapping[udid].Name
		if nickname == "" {
			nickname = "<Unnamed>"
		}
		status := DeviceStatus{
			Nickname: nickname,
			DeviceID: deviceID,
			Udid:     udid,
			Tunnels:  make([]TunnelStatus, 0, len(pls)),
		}
		for _, pl := range pls {
			status.Tunnels = append(status.Tunnels, TunnelStatus{LocalPort: pl.localPort, DevicePort: pl.devicePort})
		}
		statusData = append(statusData, status)
	}
	sort.Slice(statusData, func(i, j int) bool { return statusData[i].DeviceID < statusData[j].DeviceID })
	return StatusReport{
		Uptime:               time.Since(e.startTime).Seconds(),
		AsyncExceptionsCount: e.lazyExceptions.Load(),
		TunnelsCreatedCount:  e.tunnelsCreated.Load(),
		TunnelTimeouts:       e.tunnelTimeouts.Load(),
		MappingsFile:         e.MappingsFile(),
		StatusData:           statusData,
	}
}

// StatusServer serves the read only JSON view of the engine on 127.0.0.1 plus
// Prometheus metrics on /metrics.
type StatusServer struct {
	engine   *Engine
	server   *http.Server
	listener net.Listener
}

// NewStatusServer creates a status server for the engine on 127.0.0.1:port.
func NewStatusServer(engine *Engine, port int) *StatusServer {
	mux := http.NewServeMux()
	statusServer := &StatusServer{engine: engine}
	mux.HandleFunc("/", statusServer.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	statusServer.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	return statusServer
}

// Start binds the port and serves in the background. Bind failures are returned
// synchronously.
func (s *StatusServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("could not bind status server on %s: %w", s.server.Addr, err)
	}
	s.listener = listener
	log.Infof("status server listening on http://%s/", s.server.Addr)
	go func() {
		err := s.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("status server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when port 0 was requested.
func (s *StatusServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes the status server.
func (s *StatusServer) Stop() {
	s.server.Close()
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	body, err := json.Marshal(s.engine.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
