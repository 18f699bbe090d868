// Package server exposes the daemon's read-only HTTP surface: the status
// endpoint, a service listing and a websocket stream of lifecycle events.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"kiruna/internal/logger"
	"kiruna/internal/supervisor"
)

// StatusResponse is the payload of GET /.
type StatusResponse struct {
	Ok      bool   `json:"ok"`
	Up      bool   `json:"up"`
	State   string `json:"state"`
	Version string `json:"version"`
}

// ServiceResponse is one entry of GET /services.
type ServiceResponse struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	Scale   int    `json:"scale"`
	Running int    `json:"running"`
	Enabled bool   `json:"enabled"`
}

// Server is the daemon's HTTP status server.
type Server struct {
	echo *echo.Echo
	sup  *supervisor.Supervisor
	hub  *Hub
	addr string
}

// New builds the server and wires the event stream into the supervisor.
func New(sup *supervisor.Supervisor, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(logger.RequestLogger())
	e.Use(middleware.Recover())

	s := &Server{
		echo: e,
		sup:  sup,
		hub:  NewHub(),
		addr: fmt.Sprintf(":%d", port),
	}
	sup.OnEvent(s.hub.Broadcast)

	e.GET("/", s.handleStatus)
	e.GET("/services", s.handleServices)
	e.GET("/events", s.handleEvents)

	return s
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	logger.WithField("addr", s.addr).Info("Status server listening")
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Ok:      true,
		Up:      s.sup.IsUp(),
		State:   string(s.sup.StateNow()),
		Version: s.sup.Version(),
	})
}

func (s *Server) handleServices(c echo.Context) error {
	out := []ServiceResponse{}
	if current := s.sup.Current(); current != nil {
		for _, svc := range current.Services() {
			out = append(out, ServiceResponse{
				Name:    svc.Name(),
				Image:   svc.Spec.ImageRef(),
				Scale:   svc.Spec.Scale,
				Running: svc.RunningCount(),
				Enabled: svc.Spec.IsEnabled(),
			})
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleEvents(c echo.Context) error {
	return s.hub.Serve(c.Response(), c.Request())
}
