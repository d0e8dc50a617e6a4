package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/config"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/control"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/hardware"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/logging"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

// Daemon wires the station, the combo controller, the event journal, the
// control socket and the web server together
type Daemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logging.ComponentLogger

	station    *hardware.Station
	controller *engine.Controller
	store      *storage.EventStore // nil when storage is disabled
	control    *control.Server
	webServer  *http.Server
	router     *gin.Engine
}

// NewDaemon creates a daemon instance. Nothing touches the serial ports
// until Start.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		log:    logging.For("daemon"),
	}

	d.station = hardware.NewStation(stationConfig(cfg))

	opts := engine.OptionsFromConfig(cfg)
	if cfg.Storage.Enabled {
		store, err := storage.NewEventStore(cfg.Storage.DatabasePath, cfg.Storage.MaxEvents)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open event journal: %w", err)
		}
		d.store = store
		opts.Journal = store
	}
	d.controller = engine.FromStation(d.station, opts)

	var events control.EventSource
	if d.store != nil {
		events = d.store
	}
	d.control = control.NewServer(cfg.API.UnixSocket, d.controller, events, Version)

	if err := d.setupWebServer(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to setup web server: %w", err)
	}

	return d, nil
}

// stationConfig derives the driver configuration of the attached devices
func stationConfig(cfg *config.Config) hardware.StationConfig {
	sc := hardware.StationConfig{Simulate: cfg.Simulate}

	if cfg.HasAmplifier() {
		amp := hardware.DefaultAmplifierConfig(cfg.Amplifier.Port)
		amp.BaudRate = cfg.Serial.BaudRate
		amp.CommandTimeout = config.Millis(cfg.Amplifier.CommandTimeout)
		amp.ProbeTimeout = config.Millis(cfg.Amplifier.ProbeTimeout)
		amp.WakeInterval = config.Millis(cfg.Amplifier.WakeInterval)
		amp.WakeAttempts = cfg.Amplifier.WakeAttempts
		amp.WakeOnConnect = cfg.Amplifier.WakeOnConnect
		amp.RetryCount = cfg.Amplifier.RetryCount
		amp.RetryInterval = config.Millis(cfg.Amplifier.RetryInterval)
		sc.Amplifier = &amp
	}

	if cfg.HasTuner() {
		tuner := hardware.DefaultTunerConfig(cfg.Tuner.Port)
		tuner.BaudRate = cfg.Serial.BaudRate
		tuner.CommandTimeout = config.Millis(cfg.Tuner.CommandTimeout)
		tuner.WakePreamble = cfg.Tuner.WakePreamble
		tuner.WakeSettle = config.Millis(cfg.Tuner.WakeSettle)
		tuner.RetryInterval = config.Millis(cfg.Tuner.RetryInterval)
		tuner.EnableSleep = cfg.Tuner.EnableSleep
		sc.Tuner = &tuner
	}

	return sc
}

// Start connects the devices, starts polling and opens the control socket
// and the web server. Devices that fail to connect are reported and left
// for a reconnect; they do not stop the daemon.
func (d *Daemon) Start() error {
	d.log.Infof("starting epccd daemon (%s)", d.controller.Topology())

	if err := d.controller.Connect(d.ctx); err != nil {
		d.log.Warnf("device connect: %v", err)
	}
	d.controller.Start(d.ctx)

	if err := d.control.Start(d.ctx); err != nil {
		d.controller.Stop()
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.log.Infof("starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Errorf("web server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *Daemon) Stop() error {
	d.log.Infof("stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			d.log.Warnf("web server shutdown error: %v", err)
		}
	}

	if err := d.control.Stop(); err != nil {
		d.log.Warnf("control socket shutdown error: %v", err)
	}

	if err := d.controller.Stop(); err != nil {
		d.log.Warnf("controller shutdown error: %v", err)
	}
	d.station.Close()

	d.wg.Wait()

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warnf("event journal close error: %v", err)
		}
	}

	d.log.Infof("daemon stopped")
	return nil
}

// setupWebServer initializes the web server and routes
func (d *Daemon) setupWebServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/ws", d.handleStatusWebSocket)

		api.POST("/power", d.handlePower)
		api.POST("/tune", d.handleTune)

		api.PUT("/amplifier/mode", d.handleSetAmpMode)
		api.PUT("/amplifier/band", d.handleSetBand)
		api.PUT("/tuner/mode", d.handleSetTunerMode)
		api.PUT("/tuner/antenna", d.handleSetAntenna)

		api.GET("/devices/:device/info", d.handleGetDeviceInfo)
		api.POST("/devices/:device/connect", d.handleReconnect)
		api.POST("/devices/:device/clear-fault", d.handleClearFault)

		api.GET("/events", d.handleGetEvents)
		api.GET("/events/search", d.handleSearchEvents)
		api.GET("/events/devices", d.handleGetDeviceSummaries)
		api.GET("/events/stats", d.handleGetEventStats)
		api.POST("/events/devices/:device/ack", d.handleAcknowledgeFaults)
		api.POST("/events/cleanup", d.handleCleanupEvents)

		api.GET("/serial-ports", d.handleGetSerialPorts)
	}

	d.router = router
	d.webServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port),
		Handler: router,
	}

	return nil
}

// requestLogger logs each API request at debug level through the
// component logger instead of gin's own writer
func requestLogger() gin.HandlerFunc {
	log := logging.For("web")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
