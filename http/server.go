// Package http exposes the slot registry over an HTTP API, along with
// Prometheus metrics and debug endpoints.
package http

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/superfly/pgslot"
	"golang.org/x/sync/errgroup"
)

// Default settings
const (
	DefaultAddr = ":20432"
)

// Server represents the HTTP API server for the slot manager.
type Server struct {
	ln net.Listener

	httpServer  *http.Server
	promHandler http.Handler

	addr string
	reg  *pgslot.Registry

	// Node provides cluster role information for /health. May be nil.
	Node *pgslot.Node

	g      errgroup.Group
	ctx    context.Context
	cancel func()
}

func NewServer(reg *pgslot.Registry, addr string) *Server {
	s := &Server{
		addr: addr,
		reg:  reg,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.promHandler = promhttp.Handler()
	s.httpServer = &http.Server{
		Handler: http.HandlerFunc(s.serveHTTP),
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

func (s *Server) Listen() (err error) {
	if s.ln, err = net.Listen("tcp", s.addr); err != nil {
		return err
	}
	return nil
}

func (s *Server) Serve() {
	s.g.Go(func() error {
		if err := s.httpServer.Serve(s.ln); s.ctx.Err() != nil {
			return err
		}
		return nil
	})
}

func (s *Server) Close() (err error) {
	if s.ln != nil {
		if e := s.ln.Close(); err == nil {
			err = e
		}
	}
	if s.httpServer != nil {
		if e := s.httpServer.Close(); err == nil {
			err = e
		}
	}
	s.cancel()
	if e := s.g.Wait(); e != nil && err == nil {
		err = e
	}
	return err
}

// Port returns the port the listener is running on.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the full base URL for the running server.
func (s *Server) URL() string {
	host, _, _ := net.SplitHostPort(s.addr)
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprint(s.Port())))
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/debug") {
		switch r.URL.Path {
		case "/debug/vars":
			expvar.Handler().ServeHTTP(w, r)
		case "/debug/pprof/cmdline":
			pprof.Cmdline(w, r)
		case "/debug/pprof/profile":
			pprof.Profile(w, r)
		case "/debug/pprof/symbol":
			pprof.Symbol(w, r)
		case "/debug/pprof/trace":
			pprof.Trace(w, r)
		default:
			pprof.Index(w, r)
		}
		return
	}

	switch r.URL.Path {
	case "/metrics":
		s.promHandler.ServeHTTP(w, r)

	case "/slots":
		switch r.Method {
		case http.MethodGet:
			s.handleGetSlots(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}

	case "/horizons":
		switch r.Method {
		case http.MethodGet:
			s.handleGetHorizons(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}

	case "/health":
		switch r.Method {
		case http.MethodGet:
			s.handleGetHealth(w, r)
		default:
			Error(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		}

	default:
		http.NotFound(w, r)
	}
}

// handleGetSlots renders one row per slot, shaped like pg_replication_slots.
func (s *Server) handleGetSlots(w http.ResponseWriter, r *http.Request) {
	serveJSON(w, r, s.reg.View())
}

type horizonsResponse struct {
	Xmin              pgslot.XID `json:"xmin,omitempty"`
	CatalogXmin       pgslot.XID `json:"catalog_xmin,omitempty"`
	RestartLSN        string     `json:"restart_lsn,omitempty"`
	LogicalRestartLSN string     `json:"logical_restart_lsn,omitempty"`
}

func (s *Server) handleGetHorizons(w http.ResponseWriter, r *http.Request) {
	var resp horizonsResponse
	resp.Xmin = s.reg.RequiredXmin()
	resp.CatalogXmin = s.reg.RequiredCatalogXmin()
	if lsn := s.reg.RequiredLSN(); lsn != 0 {
		resp.RestartLSN = lsn.String()
	}
	if lsn := s.reg.LogicalRestartLSN(); lsn != 0 {
		resp.LogicalRestartLSN = lsn.String()
	}
	serveJSON(w, r, resp)
}

type healthResponse struct {
	Status     string `json:"status"`
	InRecovery bool   `json:"in_recovery"`
	IsPrimary  bool   `json:"is_primary,omitempty"`
	Primary    string `json:"primary,omitempty"`
	SlotCount  int    `json:"slot_count"`
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		InRecovery: s.reg.WAL.InRecovery(),
		SlotCount:  len(s.reg.Slots()),
	}
	if s.Node != nil {
		resp.IsPrimary = s.Node.IsPrimary()
		if info := s.Node.PrimaryInfo(); info != nil {
			resp.Primary = info.Hostname
		}
	}
	serveJSON(w, r, resp)
}

func serveJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %s", err)
	}
	serverRequestCountMetricVec.WithLabelValues(r.URL.Path).Inc()
}

func Error(w http.ResponseWriter, r *http.Request, err error, code int) {
	log.Printf("http: error: %s", err)
	http.Error(w, err.Error(), code)
}

// HTTP server metrics.
var serverRequestCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pgslot_http_request_count",
	Help: "Number of API requests served.",
}, []string{"path"})
