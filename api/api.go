// Package api exposes the job protocol over REST with XML payloads.
// It is a thin transport: every request is parsed, handed to the
// service façade, and the typed outcome is mapped once to an HTTP
// status and an XML body.
package api

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conveyorq/conveyor/gate"
	"github.com/conveyorq/conveyor/service"
)

// maxUploadBytes bounds in-memory multipart parsing; larger uploads
// spill to disk.
const maxUploadBytes = 32 << 20

// Server serves the REST/XML tier.
type Server struct {
	svc    *service.Service
	gate   *gate.Gate
	schema service.Schema
	logger *slog.Logger

	// Per-IP request smoothing, in requests per second. Zero disables.
	smoothRPS   float64
	smoothBurst int
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSmoothing enables a per-IP token bucket in front of the façade's
// fixed-window limiter. The bucket absorbs bursts; the window enforces
// the published ceiling.
func WithSmoothing(rps float64, burst int) Option {
	return func(s *Server) {
		s.smoothRPS = rps
		s.smoothBurst = burst
	}
}

// New creates a Server. The gate authenticates optional HTTP basic
// credentials of job owners; pass the same gate the service uses.
func New(svc *service.Service, g *gate.Gate, schema service.Schema, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		gate:   g,
		schema: schema,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestLogging(s.logger))
	r.Use(recoverer(s.logger))
	if s.smoothRPS > 0 {
		r.Use(perIPSmoothing(s.smoothRPS, s.smoothBurst))
	}

	r.Post("/job", s.handleSubmit)
	r.Get("/job", s.handleResults)
	r.Delete("/job", s.handleCancel)
	r.Get("/job/{name}/status", s.handleStatus)
	r.Get("/queue", s.handleQueue)
	r.Get("/parameters", s.handleParameters)

	return r
}

// identify resolves the caller: the rate-limit key and, when HTTP
// basic credentials are presented and verify, the owning user. Bad
// credentials are a hard denial, not an anonymous fallthrough.
func (s *Server) identify(ctx context.Context, r *http.Request) (clientKey, asUser string, err error) {
	name, password, ok := r.BasicAuth()
	if ok {
		u, verr := s.gate.VerifyUser(ctx, name, password)
		if verr != nil {
			return "", "", verr
		}
		return "user:" + u.Name, u.Name, nil
	}
	return "ip:" + clientIP(r), "", nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientKey, asUser, err := s.identify(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, &service.ValidationError{Param: "body", Message: "malformed multipart form"})
		return
	}

	params := make(map[string]string, len(r.MultipartForm.Value))
	for key, vals := range r.MultipartForm.Value {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}

	files := make(map[string]io.Reader, len(r.MultipartForm.File))
	var opened []io.Closer
	defer func() {
		for _, c := range opened {
			_ = c.Close()
		}
	}()
	for key, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		f, oerr := headers[0].Open()
		if oerr != nil {
			writeError(w, &service.ValidationError{Param: key, Message: "unreadable file upload"})
			return
		}
		opened = append(opened, f)
		files[key] = f
	}

	handle, err := s.svc.Submit(ctx, service.SubmitRequest{
		ClientKey:    clientKey,
		User:         asUser,
		ContactEmail: params["email"],
		Params:       params,
		Files:        files,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeXML(w, http.StatusCreated, jobHandleXML{XlinkNS: xlinkNS, Href: handle.URL})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientKey, asUser, err := s.identify(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	name := r.URL.Query().Get("job")
	passwd := r.URL.Query().Get("passwd")
	if name == "" {
		writeError(w, &service.ValidationError{Param: "job", Message: "job name required"})
		return
	}

	payload, err := s.svc.GetResults(ctx, clientKey, name, passwd, asUser)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXML(w, http.StatusOK, toResultsXML(payload))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientKey, _, err := s.identify(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	name := chi.URLParam(r, "name")
	st, err := s.svc.GetStatus(ctx, clientKey, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXML(w, http.StatusOK, statusXML{
		Name:       name,
		State:      string(st.State),
		SubmitTime: st.SubmitTime.UTC().Format(timeLayout),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientKey, _, err := s.identify(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := s.svc.ListQueue(ctx, clientKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXML(w, http.StatusOK, toQueueXML(items))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientKey, asUser, err := s.identify(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	name := r.URL.Query().Get("job")
	passwd := r.URL.Query().Get("passwd")
	if name == "" {
		writeError(w, &service.ValidationError{Param: "job", Message: "job name required"})
		return
	}

	if err := s.svc.Cancel(ctx, clientKey, name, passwd, asUser); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParameters(w http.ResponseWriter, _ *http.Request) {
	writeXML(w, http.StatusOK, toParametersXML(s.schema))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
