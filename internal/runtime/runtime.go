package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/assistant"
	"github.com/fintalk-labs/fintalk-client/internal/audiocache"
	"github.com/fintalk-labs/fintalk-client/internal/auth"
	"github.com/fintalk-labs/fintalk-client/internal/backend"
	"github.com/fintalk-labs/fintalk-client/internal/bus"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/natsserver"
	"github.com/fintalk-labs/fintalk-client/internal/notify"
	"github.com/fintalk-labs/fintalk-client/internal/notifystore"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
	"github.com/fintalk-labs/fintalk-client/internal/speech"
	"github.com/fintalk-labs/fintalk-client/internal/surface"
	"github.com/nats-io/nats.go"
)

// refreshLeeway is how close to provider-token expiry the runtime refreshes.
const refreshLeeway = 2 * time.Minute

// Runtime owns the lifecycle of every subsystem: embedded bus, backend
// client, auth flow, speech controller, assistant, notifications, and the
// local HTTP control surface.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	metricHandler http.Handler
	tracerClose   func(context.Context) error

	embedded  *natsserver.EmbeddedServer
	bus       *bus.Client
	cache     *audiocache.Cache
	backend   *backend.Client
	flow      *auth.Flow
	store     *notifystore.Store
	speech    *speech.Controller
	assistant *assistant.Service
	notify    *notify.Service
	surfaces  *surface.Registry
	subs      []*nats.Subscription

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the subsystems up in dependency order, serves HTTP until the
// context is cancelled, then tears everything down in reverse. A failure
// partway through bring-up tears down whatever already started.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.startSubsystems(ctx); err != nil {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelCleanup()
		r.teardown(cleanupCtx)
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /auth/login", r.handleLogin)
	mux.HandleFunc("GET /auth/callback", r.handleCallback)
	mux.HandleFunc("GET /auth/me", r.handleMe)
	mux.HandleFunc("POST /auth/logout", r.handleLogout)
	mux.HandleFunc("GET /notifications", r.handleNotifications)
	mux.HandleFunc("GET /surfaces", r.handleSurfaces)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
		r.startMetricsServer(r.metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go r.runSessionRefresh(ctx)

	r.ready.Store(true)
	r.logger.Info("client runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("client runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	cancel()
	r.wg.Wait()

	r.teardown(shutdownCtx)
	return nil
}

func (r *Runtime) startSubsystems(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	r.backend = backend.NewClient(r.cfg.Backend)
	r.flow = auth.NewFlow(r.cfg.OAuth, r.backend, r.logger)

	if err := r.startSpeech(ctx); err != nil {
		return err
	}

	if r.cfg.Assistant.Enabled {
		r.assistant = assistant.NewService(ctx, r.cfg.Assistant, r.bus, r.bus, r.backend, r.speechSpeaker(), r.logger)
		if err := r.assistant.Start(); err != nil {
			return fmt.Errorf("failed to start assistant: %w", err)
		}
	}

	if r.cfg.Notifications.Enabled {
		store, err := notifystore.Open(ctx, r.cfg.Notifications, r.logger)
		if err != nil {
			return fmt.Errorf("failed to open notification store: %w", err)
		}
		r.store = store
		r.notify = notify.NewService(ctx, r.cfg.Notifications, r.backend, store, r.bus, r.logger)
		if err := r.notify.Start(); err != nil {
			return fmt.Errorf("failed to start notification service: %w", err)
		}
	}

	if r.cfg.Surfaces.Enabled {
		registry, err := surface.NewRegistry(ctx, r.cfg.Surfaces, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start surface registry: %w", err)
		}
		r.surfaces = registry
	}

	return nil
}

func (r *Runtime) startSpeech(ctx context.Context) error {
	if !r.cfg.Speech.Enabled {
		return nil
	}

	cache, err := audiocache.New(r.cfg.Speech.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to prepare audio cache: %w", err)
	}
	r.cache = cache

	var player speech.Player
	switch r.cfg.Speech.PlayerMode {
	case "exec":
		player, err = speech.NewExecPlayer(r.cfg.Speech.PlayerCommand)
		if err != nil {
			return fmt.Errorf("failed to configure audio player: %w", err)
		}
	default:
		player = speech.NewMockPlayer(2 * time.Second)
	}

	r.speech = speech.NewController(r.cfg.Speech, r.backend, player, cache, r.bus, r.logger)

	toggleSub, err := r.bus.Conn().Subscribe(protocol.SubjectSpeechToggle, func(msg *nats.Msg) {
		var req protocol.ToggleRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			r.logger.Warn("invalid toggle request", slog.String("error", err.Error()))
			return
		}
		toggleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := r.speech.Toggle(toggleCtx, req.MessageID, req.Text); err != nil {
			r.logger.Warn("toggle failed",
				slog.String("message_id", req.MessageID),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe speech toggle: %w", err)
	}
	r.subs = append(r.subs, toggleSub)
	return nil
}

func (r *Runtime) speechSpeaker() assistant.Speaker {
	if r.speech == nil {
		return nil
	}
	return r.speech
}

// runSessionRefresh keeps the provider token fresh. The backend session
// token issued at login has its own lifetime and is not touched here.
func (r *Runtime) runSessionRefresh(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token, ok := r.flow.Token()
			if !ok || token.RefreshToken == "" || token.Expiry.IsZero() {
				continue
			}
			if time.Until(token.Expiry) > refreshLeeway {
				continue
			}
			refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, err := r.flow.Refresh(refreshCtx)
			cancel()
			if err != nil {
				r.logger.Warn("token refresh failed", slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("provider token refreshed")
		}
	}
}

func (r *Runtime) startMetricsServer(handler http.Handler) {
	bind := r.cfg.Telemetry.PrometheusBind
	if bind == "" {
		return
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              bind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) teardown(ctx context.Context) {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	if r.surfaces != nil {
		r.surfaces.Close()
	}
	if r.notify != nil {
		r.notify.Close()
	}
	if r.assistant != nil {
		r.assistant.Close()
	}
	if r.speech != nil {
		r.speech.Stop()
	}
	if r.cache != nil {
		r.cache.Clear()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus != nil && r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleLogin starts a fresh sign-in attempt and sends the browser to the
// provider's authorize page.
func (r *Runtime) handleLogin(w http.ResponseWriter, req *http.Request) {
	authURL, err := r.flow.Begin()
	if err != nil {
		r.logger.Error("failed to begin login", slog.String("error", err.Error()))
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	if req.URL.Query().Get("redirect") == "false" {
		writeJSON(w, http.StatusOK, map[string]string{"auth_url": authURL})
		return
	}
	http.Redirect(w, req, authURL, http.StatusFound)
}

// handleCallback completes the sign-in: the authorization code is exchanged
// for provider tokens, the provider tells us the verified email, and the
// backend issues the session token that protects its API from then on.
func (r *Runtime) handleCallback(w http.ResponseWriter, req *http.Request) {
	token, err := r.flow.HandleCallback(req.Context(), req.URL.Query())
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, auth.ErrStateMismatch):
			status = http.StatusForbidden
		case errors.Is(err, auth.ErrCancelled), errors.Is(err, auth.ErrNoPendingLogin):
			status = http.StatusBadRequest
		}
		r.logger.Warn("login callback rejected", slog.String("error", err.Error()))
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	identity, err := r.flow.FetchIdentity(req.Context(), token)
	if err != nil {
		r.logger.Warn("identity lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	session, err := r.backend.Login(req.Context(), identity.Email)
	if err != nil {
		r.logger.Warn("backend login failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	r.backend.SetBearer(session.AccessToken)
	r.logger.Info("login completed", slog.String("email", identity.Email))
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"email":         identity.Email,
		"expires_at":    token.Expiry.UTC(),
	})
}

func (r *Runtime) handleMe(w http.ResponseWriter, req *http.Request) {
	me, err := r.backend.Me(req.Context())
	if err != nil {
		var statusErr *backend.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not logged in"})
			return
		}
		r.logger.Warn("identity lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (r *Runtime) handleLogout(w http.ResponseWriter, req *http.Request) {
	if err := r.backend.Logout(req.Context()); err != nil {
		r.logger.Warn("backend logout failed", slog.String("error", err.Error()))
	}
	r.backend.SetBearer("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (r *Runtime) handleNotifications(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, []protocol.Notification{})
		return
	}
	items, err := r.store.ListRecent(req.Context(), 100)
	if err != nil {
		r.logger.Error("failed to list notifications", slog.String("error", err.Error()))
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []protocol.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Runtime) handleSurfaces(w http.ResponseWriter, _ *http.Request) {
	if r.surfaces == nil {
		writeJSON(w, http.StatusOK, []surface.Info{})
		return
	}
	items := r.surfaces.Snapshot()
	if items == nil {
		items = []surface.Info{}
	}
	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
