// Package webcontrol serves the motor's HTTP control surface: GET /motor with cmd, speed and
// steps query parameters, and the control page on every other path.
package webcontrol

import (
	"context"
	_ "embed"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/webstepper/command"
)

// MotorPath is the command endpoint.
const MotorPath = "/motor"

//go:embed static/index.html
var homePage []byte

// Commander carries out resolved commands.
type Commander interface {
	Apply(ctx context.Context, cmd command.Command) error
}

// Handler routes requests to the command interpreter or the control page.
type Handler struct {
	interp *command.Interpreter
	motor  Commander
	logger logging.Logger
}

// NewHandler returns a Handler resolving requests with interp and applying them to motor.
func NewHandler(interp *command.Interpreter, motor Commander, logger logging.Logger) *Handler {
	return &Handler{interp: interp, motor: motor, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == MotorPath {
		h.handleMotor(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(homePage); err != nil {
		h.logger.Debugf("failed to write home page: %v", err)
	}
}

// handleMotor always acknowledges; invalid commands are ignored.
func (h *Handler) handleMotor(w http.ResponseWriter, r *http.Request) {
	cmd := h.interp.FromQuery(r.URL.Query())
	h.logger.Debugw("motor request", "query", r.URL.RawQuery, "kind", cmd.Kind.String())
	if err := h.motor.Apply(r.Context(), cmd); err != nil {
		h.logger.CError(r.Context(), err)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		h.logger.Debugf("failed to write motor reply: %v", err)
	}
}

// Server runs a Handler on a TCP address until closed.
type Server struct {
	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
	// err is written by the serving goroutine and read after it exits.
	err error
}

// Listen binds addr and serves h in the background.
func Listen(addr string, h http.Handler, logger logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q", addr)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}
	s.wg.Add(1)
	utils.ManagedGo(func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err = err
			logger.Errorw("web control server failed", "error", err)
		}
	}, s.wg.Done)
	logger.Infof("web control listening on http://%s", ln.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close shuts the server down, waiting for in-flight requests until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.Wrap(err, "failed to shut down web control server")
	}
	return s.err
}
