package wsproto

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Server is the HTTP surface hosting the WebSocket upgrade endpoint
// plus a small admin surface, grounded on the teacher's
// `core/virtual_machine.go` `mux.NewRouter()` + rate-limiting
// middleware pattern (spec §4.7 "negotiates subprotocol... after
// upgrade").
type Server struct {
	Addr   string
	Auth   Authenticator
	Router *mux.Router

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
}

// NewServer wires the upgrade route and a process-wide inbound rate
// limiter (teacher: `var limiter = rate.NewLimiter(200, 100)`), and
// returns a Server ready to accept connections once Mount has
// installed the upgrade route with a SessionFactory.
func NewServer(addr string, auth Authenticator, reqPerSec, burst int) *Server {
	s := &Server{
		Addr:    addr,
		Auth:    auth,
		Router:  mux.NewRouter(),
		limiter: rate.NewLimiter(rate.Limit(reqPerSec), burst),
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{SubprotocolBinary, SubprotocolText},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.Router.Use(s.rateLimit)
	s.Router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// SessionFactory builds a Session for a freshly upgraded connection on
// the negotiated profile.
type SessionFactory func(conn *websocket.Conn, profile string) *Session

// Mount installs the WebSocket upgrade route at path, delegating each
// accepted connection's lifetime to factory (spec §4.7 "one fiber per
// connection").
func (s *Server) Mount(path string, factory SessionFactory) {
	s.Router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		profile := negotiateProfile(r.Header.Get("Sec-WebSocket-Protocol"))
		conn, err := s.upgrader.Upgrade(w, r, http.Header{"Sec-WebSocket-Protocol": []string{profile}})
		if err != nil {
			logrus.WithError(err).Warn("wsproto: upgrade failed")
			return
		}
		bearer := bearerToken(r)
		session := factory(conn, profile)
		go session.Serve(s.Auth, bearer)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ListenAndServe starts the HTTP server, mirroring the teacher's
// fixed-timeout http.Server bootstrap in `core/virtual_machine.go`.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.Addr,
		Handler:      s.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming connections must not be write-timed out
		IdleTimeout:  60 * time.Second,
	}
	logrus.WithField("addr", s.Addr).Info("wsproto: listening")
	return srv.ListenAndServe()
}

func negotiateProfile(requested string) string {
	for _, p := range strings.Split(requested, ",") {
		p = strings.TrimSpace(p)
		if p == SubprotocolBinary {
			return SubprotocolBinary
		}
	}
	for _, p := range strings.Split(requested, ",") {
		if strings.TrimSpace(p) == SubprotocolText {
			return SubprotocolText
		}
	}
	return SubprotocolBinary
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
