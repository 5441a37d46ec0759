// Package wslisteners is the thin adapter layer that binds sessionx's
// Registry to HTTP upgrade requests, per spec §4.9. Grounded on the
// teacher's routes/terminal.go route-table shape
// (t.GET("/ssh/{serverId}", handleSSHTerminal)) and its wsTokenAuth
// (?token= query-param JWT extraction, since browsers can't set upgrade
// headers), re-hosted on chi since PocketBase's router is out of scope.
package wslisteners

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sshmux/sshmux/internal/contracts"
	"github.com/sshmux/sshmux/internal/opkssh"
	"github.com/sshmux/sshmux/internal/sessionx"
	"github.com/sshmux/sshmux/internal/wsproto"
)

func deadlineNow() time.Time { return time.Now().Add(5 * time.Second) }

// defaultConnectRateLimit is the maximum new WebSocket upgrades accepted
// per second, across all users, per spec §5's registry-level resource
// guard.
const defaultConnectRateLimit rate.Limit = 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication is enforced via the JWT carried on ?token=, checked
	// before upgrade; origin checking is left to a fronting reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Listeners wires a sessionx.Registry to chi-mounted WebSocket and HTTP
// routes. Every field is supplied at construction; there is no
// package-level singleton, per spec §9.
type Listeners struct {
	Registry    *sessionx.Registry
	Auth        contracts.AuthVerifier
	OPK         *opkssh.Manager
	Activity    contracts.ActivityLog
	SessionDeps sessionx.Deps

	// InternalAuthToken gates POST /activity/log, the one HTTP endpoint
	// this layer exposes (rather than consumes) for out-of-process
	// components to record activity through the same sink sessions use.
	InternalAuthToken string

	CORSAllowedOrigins []string

	// ConnectRateLimit caps new WebSocket upgrades/second; zero uses
	// defaultConnectRateLimit.
	ConnectRateLimit rate.Limit

	limiterOnce sync.Once
	limiter     *rate.Limiter
}

func (l *Listeners) connectLimiter() *rate.Limiter {
	l.limiterOnce.Do(func() {
		limit := l.ConnectRateLimit
		if limit == 0 {
			limit = defaultConnectRateLimit
		}
		l.limiter = rate.NewLimiter(limit, int(limit)+1)
	})
	return l.limiter
}

// Mount builds the chi router exposing every endpoint WSListeners owns.
func (l *Listeners) Mount() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   l.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowCredentials: true,
	}))

	r.Route("/ssh", func(r chi.Router) {
		r.Get("/terminal/{hostId}", l.handleWS(sessionx.KindTerminal))
		r.Get("/tunnel/{hostId}", l.handleWS(sessionx.KindTunnel))
		r.Get("/files/{hostId}", l.handleWS(sessionx.KindFileManager))
		r.Get("/docker/{hostId}", l.handleWS(sessionx.KindDocker))
		// stats shares the terminal session kind: a metrics probe is a
		// one-shot shell command over the same PTY channel, not a distinct
		// ActivityLog type (spec §4.8 names only terminal/tunnel/
		// file_manager/docker/opkssh_authentication).
		r.Get("/stats/{hostId}", l.handleWS(sessionx.KindTerminal))

		r.Get("/opkssh-callback", l.handleOPKCallback)
		r.Get("/opkssh-chooser/{requestId}", l.handleOPKChooser)
	})

	r.Post("/activity/log", l.handleActivityLog)

	return r
}

// handleWS returns a chi handler that upgrades the request, authenticates
// the token, enforces the per-user cap via Registry.Create, and pumps
// inbound WS frames into the Session until the socket closes.
func (l *Listeners) handleWS(kind sessionx.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.connectLimiter().Allow() {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		claims, err := l.Auth.VerifyJWT(r.Context(), r.URL.Query().Get("token"))
		if err != nil || claims.PendingTOTP {
			conn, upErr := upgrader.Upgrade(w, r, nil)
			if upErr == nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(1008, "unauthorized"), deadlineNow())
				conn.Close()
			}
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return // Upgrade already wrote the response.
		}

		sink := &wsSink{conn: conn}
		hostID := chi.URLParam(r, "hostId")
		sessID := uuid.NewString()

		sess, err := l.Registry.Create(sessID, claims.UserID, hostID, kind, sink, l.SessionDeps)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, wsproto.Error(err.Error(), sessionx.ErrorKindSessionCapExceeded))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1008, "session cap exceeded"), deadlineNow())
			conn.Close()
			return
		}

		l.pump(r, sess, conn)
	}
}

// pump reads inbound frames off conn until it closes or the session's own
// teardown completes, per spec §4.9 item 4 (cancel on ws close).
func (l *Listeners) pump(r *http.Request, sess *sessionx.Session, conn *websocket.Conn) {
	defer conn.Close()

	go func() {
		<-sess.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			l.Registry.Cancel(sess.ID)
			return
		}
		msg, err := wsproto.Decode(raw)
		if err != nil {
			log.Printf("[sshmux] wslisteners: dropping malformed frame: %v", err)
			continue
		}
		sess.HandleInbound(r.Context(), msg)
	}
}

// wsSink implements sessionx.EventSink by writing a text frame per
// outbound message, serialized one at a time to satisfy gorilla/
// websocket's single-writer-goroutine requirement.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSink) Send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Printf("[sshmux] wslisteners: write failed: %v", err)
	}
}
