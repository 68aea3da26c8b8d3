// Package gateway exposes a mount.Telescope over HTTP/JSON.
//
// Every reply uses the same envelope: ClientTransactionID echoes the caller's
// id, ServerTransactionID increases per reply, and failures carry
// ErrorNumber/ErrorMessage along with a matching HTTP status.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/catalog"
	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// Watcher is implemented by drivers that stream vector updates.
type Watcher interface {
	Watch(buffer int) (<-chan indi.Vector, func(), error)
}

// Aligner is implemented by drivers with an alignment mode switch.
type Aligner interface {
	Align(ctx context.Context, mode string) error
}

// Informer is implemented by drivers that answer named raw queries.
type Informer interface {
	Information(ctx context.Context, name string) (string, error)
}

type ConfiguredDevice struct {
	DeviceName   string `json:"DeviceName"`
	DeviceType   string `json:"DeviceType"`
	DeviceNumber int    `json:"DeviceNumber"`
	UniqueID     string `json:"UniqueID"`
}

type Server struct {
	telescope mount.Telescope
	catalog   *catalog.Catalog
	store     *Store
	logger    log.FieldLogger
}

func NewServer(telescope mount.Telescope, cat *catalog.Catalog, store *Store, logger log.FieldLogger) *Server {
	return &Server{
		telescope: telescope,
		catalog:   cat,
		store:     store,
		logger:    logger,
	}
}

// Handler builds the echo router with all routes registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(log.Fields{"method": v.Method, "status": v.Status}).Debug(v.URI)
			return nil
		},
	}))
	s.AddRoutes(e)
	return e
}

func (s *Server) AddRoutes(e *echo.Echo) {
	e.GET("/management/apiversions", s.handleAPIVersions)
	e.GET("/management/v1/description", s.handleDescription)
	e.GET("/management/v1/configureddevices", s.handleConfiguredDevices)

	api := e.Group("/api/v1/telescope")
	api.GET("/info", s.handleInfo)
	api.GET("/connected", s.handleConnected)
	api.PUT("/connect", s.handleConnect)
	api.PUT("/disconnect", s.handleDisconnect)

	api.GET("/coordinates", s.handleCoordinates)
	api.POST("/slew", s.handleSlew)
	api.POST("/sync", s.handleSync)
	api.POST("/abort", s.handleAbort)
	api.POST("/movement", s.handleMovement)

	api.POST("/park", s.handlePark)
	api.POST("/unpark", s.handleUnpark)
	api.GET("/parkposition", s.handleParkPosition)
	api.PUT("/parkposition", s.handleSetParkPosition)
	api.POST("/parkoption", s.handleParkOption)

	api.GET("/site", s.handleSite)
	api.PUT("/site", s.handleSetSite)
	api.GET("/time", s.handleTime)
	api.PUT("/time", s.handleSetTime)
	api.GET("/date", s.handleDate)
	api.PUT("/date", s.handleSetDate)

	api.GET("/tracking", s.handleTracking)
	api.PUT("/tracking", s.handleSetTracking)
	api.GET("/slewrate", s.handleSlewRate)
	api.PUT("/slewrate", s.handleSetSlewRate)
	api.POST("/loadconfig", s.handleLoadConfig)

	api.POST("/alignment", s.handleAlignment)
	api.POST("/information", s.handleInformation)

	api.GET("/catalog", s.handleCatalog)
	api.GET("/resolve", s.handleResolve)
	api.POST("/slewtoobject", s.handleSlewToObject)

	api.GET("/events", s.handleEvents)
}

// bind decodes the request into v. Malformed input is an invalid option.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("bad request: %w: %v", mount.ErrInvalidOption, err)
	}
	return nil
}

func (s *Server) handleAPIVersions(c echo.Context) error {
	return respond(c, []int{1})
}

func (s *Server) handleDescription(c echo.Context) error {
	d, err := s.store.Description()
	return result(c, d, err)
}

func (s *Server) handleConfiguredDevices(c echo.Context) error {
	id, err := s.store.UniqueID()
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, []ConfiguredDevice{{
		DeviceName:   s.telescope.Info().Device,
		DeviceType:   "Telescope",
		DeviceNumber: 0,
		UniqueID:     id,
	}})
}

func (s *Server) handleInfo(c echo.Context) error {
	return respond(c, s.telescope.Info())
}

func (s *Server) handleConnected(c echo.Context) error {
	return respond(c, s.telescope.Connected())
}

func (s *Server) handleConnect(c echo.Context) error {
	if err := s.telescope.Connect(c.Request().Context()); err != nil {
		s.logger.Errorf("Connect failed: %v", err)
		return respondError(c, err)
	}
	return respond(c, true)
}

func (s *Server) handleDisconnect(c echo.Context) error {
	if err := s.telescope.Disconnect(); err != nil {
		return respondError(c, err)
	}
	return respond(c, true)
}

func (s *Server) handleCoordinates(c echo.Context) error {
	coords, err := s.telescope.Coordinates(c.Request().Context())
	return result(c, coords, err)
}

func (s *Server) handleSlew(c echo.Context) error {
	var req coordinatesRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	target, err := req.coordinates()
	if err != nil {
		return respondError(c, err)
	}

	s.logger.Infof("Slew to %s", target)
	reached, err := s.telescope.SlewTo(c.Request().Context(), target)
	return result(c, reached, err)
}

func (s *Server) handleSync(c echo.Context) error {
	var req coordinatesRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	target, err := req.coordinates()
	if err != nil {
		return respondError(c, err)
	}

	synced, err := s.telescope.SyncTo(c.Request().Context(), target)
	return result(c, synced, err)
}

func (s *Server) handleAbort(c echo.Context) error {
	return result(c, true, s.telescope.AbortMotion(c.Request().Context()))
}

func (s *Server) handleMovement(c echo.Context) error {
	var req commandRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	dir, err := mount.ParseDirection(req.Command)
	if err != nil {
		return respondError(c, err)
	}
	return result(c, dir, s.telescope.Move(c.Request().Context(), dir))
}

func (s *Server) handlePark(c echo.Context) error {
	return result(c, true, s.telescope.Park(c.Request().Context()))
}

func (s *Server) handleUnpark(c echo.Context) error {
	return result(c, true, s.telescope.Unpark(c.Request().Context()))
}

func (s *Server) handleParkPosition(c echo.Context) error {
	pos, err := s.telescope.ParkPosition(c.Request().Context())
	return result(c, pos, err)
}

func (s *Server) handleSetParkPosition(c echo.Context) error {
	var pos mount.ParkPosition
	if err := bind(c, &pos); err != nil {
		return respondError(c, err)
	}
	return result(c, pos, s.telescope.SetParkPosition(c.Request().Context(), pos))
}

func (s *Server) handleParkOption(c echo.Context) error {
	var req parkOptionRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	opt, err := mount.ParseParkOption(req.Option)
	if err != nil {
		return respondError(c, err)
	}
	return result(c, opt, s.telescope.SetParkOption(c.Request().Context(), opt))
}

func (s *Server) handleSite(c echo.Context) error {
	site, err := s.telescope.SiteCoordinates(c.Request().Context())
	return result(c, site, err)
}

func (s *Server) handleSetSite(c echo.Context) error {
	var site mount.Site
	if err := bind(c, &site); err != nil {
		return respondError(c, err)
	}
	return result(c, site, s.telescope.SetSiteCoordinates(c.Request().Context(), site))
}

func (s *Server) handleTime(c echo.Context) error {
	clock, offset, err := s.telescope.Time(c.Request().Context())
	return result(c, timeValue{Time: clock, Offset: offset}, err)
}

func (s *Server) handleSetTime(c echo.Context) error {
	var req timeRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	err := s.telescope.SetTime(c.Request().Context(), req.Time, req.Offset)
	return result(c, timeValue(req), err)
}

func (s *Server) handleDate(c echo.Context) error {
	date, err := s.telescope.Date(c.Request().Context())
	return result(c, date, err)
}

func (s *Server) handleSetDate(c echo.Context) error {
	var req dateRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	return result(c, req.Date, s.telescope.SetDate(c.Request().Context(), req.Date))
}

func (s *Server) handleTracking(c echo.Context) error {
	on, err := s.telescope.TrackingState(c.Request().Context())
	return result(c, on, err)
}

func (s *Server) handleSetTracking(c echo.Context) error {
	var req trackingRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	return result(c, req.Enabled, s.telescope.SetTrackingState(c.Request().Context(), req.Enabled))
}

func (s *Server) handleSlewRate(c echo.Context) error {
	rates, err := s.telescope.SlewRate(c.Request().Context())
	return result(c, rates, err)
}

func (s *Server) handleSetSlewRate(c echo.Context) error {
	var req slewRateRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	return result(c, req.Rate, s.telescope.SetSlewRate(c.Request().Context(), req.Rate))
}

func (s *Server) handleLoadConfig(c echo.Context) error {
	return result(c, true, s.telescope.LoadConfig(c.Request().Context()))
}

func (s *Server) handleAlignment(c echo.Context) error {
	aligner, ok := s.telescope.(Aligner)
	if !ok {
		return respondError(c, mount.ErrNotImplemented)
	}
	var req commandRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	return result(c, req.Command, aligner.Align(c.Request().Context(), req.Command))
}

func (s *Server) handleInformation(c echo.Context) error {
	informer, ok := s.telescope.(Informer)
	if !ok {
		return respondError(c, mount.ErrNotImplemented)
	}
	var req commandRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	reply, err := informer.Information(c.Request().Context(), req.Command)
	return result(c, reply, err)
}

func (s *Server) handleCatalog(c echo.Context) error {
	return respond(c, s.catalog.Objects())
}

func (s *Server) handleResolve(c echo.Context) error {
	obj, err := s.catalog.Lookup(c.QueryParam("name"))
	return result(c, obj, err)
}

func (s *Server) handleSlewToObject(c echo.Context) error {
	var req objectRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	obj, err := s.catalog.Lookup(req.Name)
	if err != nil {
		return respondError(c, err)
	}

	s.logger.Infof("Slew to %s at %s", obj.Name, obj.Coordinates())
	reached, err := s.telescope.SlewTo(c.Request().Context(), obj.Coordinates())
	return result(c, reached, err)
}

// ListenAndServe runs the HTTP server until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	errc := make(chan error, 1)
	go func() {
		s.logger.Infof("Gateway listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
