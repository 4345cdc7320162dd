package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/wapod/pkg/blobs"
	"github.com/cuemby/wapod/pkg/events"
	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/prpc"
	"github.com/cuemby/wapod/pkg/service"
	"github.com/cuemby/wapod/pkg/types"
	"github.com/cuemby/wapod/pkg/worker"
)

// App is the front-end adapter: it accepts HTTP traffic, resolves
// addresses, and opens channels into the target instances. Two routers
// are exposed, one per mount: user (vm streaming + user prpc) and admin
// (push query, stop, info, objects, admin prpc, metrics).
type App struct {
	cfg     Config
	service *service.Service
	store   *blobs.Store
	worker  *worker.Worker
	broker  *events.Broker
	logger  zerolog.Logger

	admin *prpc.Service
	user  *prpc.Service

	exitCh chan int
}

// NewApp wires the front end to the core
func NewApp(cfg Config, svc *service.Service, store *blobs.Store, wk *worker.Worker, broker *events.Broker) *App {
	a := &App{
		cfg:     cfg,
		service: svc,
		store:   store,
		worker:  wk,
		broker:  broker,
		logger:  log.WithComponent("api"),
		exitCh:  make(chan int, 1),
	}
	a.admin = newAdminService(a)
	a.user = newUserService(a)
	return a
}

// ExitRequested resolves when an admin asked the process to terminate
func (a *App) ExitRequested() <-chan int {
	return a.exitCh
}

// emit publishes a host event when an event sink is attached
func (a *App) emit(typ events.EventType, msg string, metadata map[string]string) {
	if a.broker != nil {
		a.broker.Publish(events.New(typ, msg, metadata))
	}
}

// requestExit flushes the outgoing channel and schedules termination
func (a *App) requestExit(code int) {
	a.logger.Info().Int("code", code).Msg("Exit requested")
	go func() {
		a.service.Shutdown()
		for len(a.service.Outgoing()) > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		a.exitCh <- code
	}()
}

// corsOptions is the allow-all policy both mounts attach
func corsOptions() cors.Options {
	return cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}
}

// traceMiddleware tags each request with an id and records API metrics
func (a *App) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()[:8]
		timer := metrics.NewTimer()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", recorder.status)).Inc()
		a.logger.Debug().
			Str("trace_id", traceID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Msg("Request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards streaming flushes to the underlying writer
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// rateLimitMiddleware throttles a mount with a token bucket
func rateLimitMiddleware(limit float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminRouter builds the admin mount
func (a *App) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(corsOptions()))
	r.Use(a.traceMiddleware)

	r.Post("/push/query/{address}", a.handlePushQuery)
	r.Post("/push/query/{address}/{origin}", a.handlePushQuery)
	r.Post("/stop/{address}", a.handleStop)
	r.Get("/info", a.handleInfo)
	r.Post("/object/{hash}", a.handleObjectPut)
	r.Get("/object/{id}", a.handleObjectGet)
	r.Post("/prpc/{method}", a.prpcHandler(a.admin))
	r.Get("/prpc/{method}", a.prpcHandler(a.admin))
	r.Handle("/metrics", metrics.Handler())
	return r
}

// UserRouter builds the user mount
func (a *App) UserRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(corsOptions()))
	r.Use(a.traceMiddleware)
	if a.cfg.User.RateLimit > 0 {
		r.Use(rateLimitMiddleware(a.cfg.User.RateLimit, a.cfg.User.RateBurst))
	}

	r.Get("/vm/{address}/*", a.handleConnectVM)
	r.Post("/vm/{address}/*", a.handleConnectVM)
	r.Post("/prpc/{method}", a.prpcHandler(a.user))
	r.Get("/prpc/{method}", a.prpcHandler(a.user))
	return r
}

// Run serves both mounts until an exit is requested or a server fails.
// The user server starts after the admin server is listening. The
// returned code is the process exit code: 0 for a requested exit, 1 for
// a startup or serve failure.
func (a *App) Run(ctx context.Context) int {
	go a.drainOutgoing()

	printMethods(a.logger, "admin /prpc", a.admin.Methods())
	printMethods(a.logger, "user /prpc", a.user.Methods())

	errCh := make(chan error, 2)

	adminServer := &http.Server{Addr: a.cfg.Admin.Address, Handler: a.AdminRouter()}
	userServer := &http.Server{Addr: a.cfg.User.Address, Handler: a.UserRouter()}

	go func() {
		a.logger.Info().Str("address", a.cfg.Admin.Address).Msg("Admin service listening")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin service terminated: %w", err)
		}
	}()

	go func() {
		// Wait for the admin service to start
		time.Sleep(time.Second)
		a.logger.Info().Str("address", a.cfg.User.Address).Msg("User service listening")
		if err := userServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("user service terminated: %w", err)
		}
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		userServer.Shutdown(shutdownCtx)
		adminServer.Shutdown(shutdownCtx)
	}

	select {
	case code := <-a.exitCh:
		shutdown()
		a.logger.Info().Msg("Server exited")
		return code
	case err := <-errCh:
		a.logger.Error().Err(err).Msg("Service failed")
		shutdown()
		a.service.Shutdown()
		return 1
	case <-ctx.Done():
		a.service.Shutdown()
		shutdown()
		return 0
	}
}

// drainOutgoing is the single consumer of the outgoing channel
func (a *App) drainOutgoing() {
	for msg := range a.service.Outgoing() {
		a.logger.Info().
			Str("instance", msg.Address.ShortID()).
			Int("bytes", len(msg.Payload)).
			Msg("Outgoing message")
	}
}

func printMethods(logger zerolog.Logger, prefix string, methods []string) {
	logger.Info().Msgf("Methods under %s:", prefix)
	for _, method := range methods {
		logger.Info().Msgf("    %s/%s", prefix, method)
	}
}

// parseAddressParam pulls the {address} route param, accepting a 0x
// prefix.
func parseAddressParam(r *http.Request) (types.Address, error) {
	raw := chi.URLParam(r, "address")
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid address %q: %w", strings.TrimSpace(raw), err)
	}
	return addr, nil
}
