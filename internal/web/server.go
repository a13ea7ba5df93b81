package web

import (
	"log"
	"net/http"
	"strings"

	"github.com/example/ccos-lite/internal/service"
)

// Server is the read-only ledger HTTP server
type Server struct {
	addr     string
	handlers *Handlers
	mux      *http.ServeMux
}

// NewServer creates a new web server
func NewServer(addr string, orchestrator *service.OrchestratorService, chain *service.CausalChain, checkpoints *service.CheckpointManager) *Server {
	s := &Server{
		addr:     addr,
		handlers: NewHandlers(orchestrator, chain, checkpoints),
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Trailing slash enables prefix matching for all /api/plans/* paths
	s.mux.HandleFunc("/api/plans/", s.corsMiddleware(s.getOnly(s.routePlans)))
	s.mux.HandleFunc("/api/ledger/verify", s.corsMiddleware(s.getOnly(s.handlers.VerifyLedger)))

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
	})
}

// routePlans routes requests to the appropriate handler based on the path
func (s *Server) routePlans(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/plans")

	switch {
	case path == "" || path == "/":
		s.handlers.ListPlans(w, r)
	case strings.HasSuffix(path, "/timeline"):
		s.handlers.GetTimeline(w, r)
	case strings.HasSuffix(path, "/verify"):
		s.handlers.VerifyPlan(w, r)
	default:
		s.handlers.GetPlan(w, r)
	}
}

func (s *Server) getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting ledger web server on %s", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.mux
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>CCOS Ledger</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 800px; margin: 60px auto; color: #333; }
        code { background: #f3f4f6; padding: 2px 8px; border-radius: 4px; }
        li { margin: 8px 0; }
    </style>
</head>
<body>
    <h1>CCOS Ledger</h1>
    <ul>
        <li><code>GET /api/plans/</code> plans with derived status</li>
        <li><code>GET /api/plans/{id}</code> archived plan and pending request</li>
        <li><code>GET /api/plans/{id}/timeline</code> ledger entries of a plan</li>
        <li><code>GET /api/plans/{id}/verify</code> verify a plan chain</li>
        <li><code>GET /api/ledger/verify?from=&amp;to=</code> verify the global chain</li>
    </ul>
</body>
</html>
`
