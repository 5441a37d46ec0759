// Command sshmuxd is the composition root: it wires the reference
// CredentialStore/UserKeyring (memstore), AuthVerifier (jwtauth),
// ActivityLog (activity), HostKeyVerifier (hostkey), and OPK manager into
// one sessionx.Registry, mounts wslisteners, and starts the asynq worker
// and opkssh token-purge schedule, the way cmd/appos/main.go wires
// pocketbase -> worker -> routes -> hooks.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sshmux/sshmux/internal/activity"
	"github.com/sshmux/sshmux/internal/config"
	"github.com/sshmux/sshmux/internal/hostkey"
	"github.com/sshmux/sshmux/internal/jwtauth"
	"github.com/sshmux/sshmux/internal/memstore"
	"github.com/sshmux/sshmux/internal/opkssh"
	"github.com/sshmux/sshmux/internal/sessionx"
	"github.com/sshmux/sshmux/internal/worker"
	"github.com/sshmux/sshmux/internal/wslisteners"
)

// pathBinary locates the opkssh CLI on $PATH, overridable via OPKSSH_BINARY.
type pathBinary struct{}

func (pathBinary) Path() (string, error) {
	if p := os.Getenv("OPKSSH_BINARY"); p != "" {
		return p, nil
	}
	return exec.LookPath("opkssh")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[sshmux] config: %v", err)
	}

	store := memstore.New()

	hostKeys, err := hostkey.New(cfg.HostKeyDir())
	if err != nil {
		log.Fatalf("[sshmux] hostkey: %v", err)
	}

	act, err := activity.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("[sshmux] activity: %v", err)
	}
	defer act.Close()

	if cfg.JWTSecret == "" {
		log.Println("[sshmux] warning: JWT_SECRET is empty, every WebSocket upgrade will be rejected")
	}
	auth := jwtauth.New(cfg.JWTSecret)

	opkMgr := opkssh.NewManager(pathBinary{}, store, cfg.Origin)
	sessionx.OPKConfigDirFunc = func(string) string { return cfg.OPKConfigDir() }

	os.Setenv("REDIS_ADDR", cfg.RedisAddr)
	w := worker.New(store)
	w.Start()
	defer w.Shutdown()

	purge, err := opkssh.NewPurgeSchedule(w.Client(), "@every 1h")
	if err != nil {
		log.Fatalf("[sshmux] opkssh purge schedule: %v", err)
	}
	purge.Start()
	defer purge.Stop()

	registry := sessionx.NewRegistry()
	deps := sessionx.Deps{
		Credentials: store,
		Keyring:     store,
		HostKeys:    hostKeys,
		OPKTokens:   store,
		OPK:         opkMgr,
		Activity:    act,
	}

	listeners := &wslisteners.Listeners{
		Registry:           registry,
		Auth:               auth,
		OPK:                opkMgr,
		Activity:           act,
		SessionDeps:        deps,
		InternalAuthToken:  cfg.InternalAuthToken,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: listeners.Mount(),
	}

	go func() {
		log.Printf("[sshmux] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[sshmux] serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[sshmux] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	registry.Shutdown()
}
