package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mailsched/internal/mail"
	logx "mailsched/pkg/logx"
)

const maxBodyBytes = 1 << 20

// MailScheduler is the mail adapter operation the API drives.
type MailScheduler interface {
	SendMailAt(ctx context.Context, msg mail.Message, timestampMillis int64) (string, error)
}

// HealthFunc returns a JSON-encodable status value for /healthz.
type HealthFunc func() any

type Config struct {
	Addr            string
	CORSOrigins     []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type api struct {
	log    logx.Logger
	mails  MailScheduler
	health HealthFunc

	corsOrigins []string
}

type Option func(*api)

// WithCORS allows browser clients from origins to call the API.
func WithCORS(origins []string) Option {
	return func(a *api) { a.corsOrigins = origins }
}

// NewHandler builds the router. health may be nil.
func NewHandler(mails MailScheduler, health HealthFunc, log logx.Logger, opts ...Option) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{log: log, mails: mails, health: health}
	for _, o := range opts {
		o(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.requestLog)
	r.Use(middleware.Recoverer)
	if len(a.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Post("/mails", a.handleScheduleMail)
	r.Get("/healthz", a.handleHealth)
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) handleScheduleMail(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"errors": []fieldError{{Location: "body", Param: "body", Msg: "Body could not be read"}},
		})
		return
	}

	req, errs := parseScheduleRequest(body)
	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": errs})
		return
	}

	taskID, err := a.mails.SendMailAt(r.Context(), req.msg, req.timestamp)
	if err != nil {
		a.log.Error("failed to schedule email",
			logx.String("subject", req.msg.Subject),
			logx.Int("recipients", len(req.msg.Recipients())),
			logx.Int64("timestamp", req.timestamp),
			logx.Err(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to schedule email"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": taskID})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var v any = map[string]string{"status": "ok"}
	if a.health != nil {
		v = a.health()
	}
	writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server owns the listening http.Server.
type Server struct {
	cfg Config
	log logx.Logger
	srv *http.Server
}

func NewServer(cfg Config, handler http.Handler, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}
}

// Run listens on the configured address and serves until ctx is canceled,
// then shuts down gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http server shutdown incomplete", logx.Err(err))
		_ = s.srv.Close()
	}
	<-errCh
	s.log.Info("http server stopped")
	return nil
}
