package main

import (
	"flag"
	"log"
	"net/http"
)

// Server bundles the long-lived pieces so tests can stand up a full
// instance without touching process globals.
type Server struct {
	cfg   AppConfig
	auth  *AuthStore
	hub   *Hub
	stats *StatsStore
}

// newServer wires the whole stack: auth and stats over one sqlite handle,
// the hub as transport, the dispatcher as protocol, the flow as rules.
func newServer(cfg AppConfig) (*Server, error) {
	db, err := openDB(cfg.DB)
	if err != nil {
		return nil, err
	}

	auth := newAuthStore(db)
	stats := newStatsStore(db)
	hub := newHub(auth.VerifyToken)

	d := NewDispatcher(hub.lobbyFor, hub)
	if err := registerCoreEvents(d); err != nil {
		return nil, err
	}
	flow := newFlow(d, stats, newNarrator(cfg))
	if err := flow.register(); err != nil {
		return nil, err
	}
	hub.setDispatcher(d)
	hub.onDeparture = flow.resumeAfterDeparture

	return &Server{cfg: cfg, auth: auth, hub: hub, stats: stats}, nil
}

// routes builds the HTTP surface: auth endpoints, the lobby directory and
// the websocket upgrade.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/signup", s.auth.handleSignup)
	mux.HandleFunc("/login", s.auth.handleLogin)
	mux.HandleFunc("/logout", s.auth.handleLogout)
	mux.HandleFunc("/lobbies", s.hub.handleCreateLobby)
	mux.HandleFunc("/ws", s.hub.handleWebSocket)
	return mux
}

func main() {
	fv := registerFlags()
	flag.Parse()

	cfg := loadConfig(*fv.configPath)
	fv.applyTo(&cfg)
	if cfg.Dev {
		cfg.LogDebug = true
	}

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	if err := InitAppLogger(cfg.toLogConfig(), srv.auth.db); err != nil {
		log.Fatalf("startup: init logger: %v", err)
	}
	defer CloseAppLogger()

	log.Printf("Listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, srv.routes()); err != nil {
		log.Fatal(err)
	}
}
