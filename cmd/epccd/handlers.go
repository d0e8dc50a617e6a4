package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/control"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/engine"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/link"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/protocol"
	"github.com/elitegreg/ElecraftPowerComboCLI/pkg/storage"
)

var errJournalDisabled = errors.New("event journal is disabled")

// errorStatus maps an engine or driver error to an HTTP status
func errorStatus(err error) int {
	switch control.ErrorCode(err) {
	case control.CodePrerequisite:
		return http.StatusConflict
	case control.CodeNotConfigured:
		return http.StatusNotFound
	case control.CodeUnresponsive:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// respondError writes err with its status and error code
func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{
		"error": err.Error(),
		"code":  control.ErrorCode(err),
	})
}

// respondIntent answers an intent with the snapshot that followed it
func (d *Daemon) respondIntent(c *gin.Context, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"state":  d.controller.Snapshot(),
	})
}

// handleGetStatus returns the current station snapshot
func (d *Daemon) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": Version,
		"state":   d.controller.Snapshot(),
	})
}

// handlePower switches the station or one device
func (d *Daemon) handlePower(c *gin.Context) {
	var req struct {
		State  string `json:"state" binding:"required,oneof=on off toggle"`
		Device string `json:"device"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": control.CodeBadRequest})
		return
	}

	ctx := c.Request.Context()
	if req.Device != "" && req.Device != engine.DeviceCombo {
		if req.State == "toggle" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "toggle applies to the whole station only", "code": control.CodeBadRequest})
			return
		}
		d.respondIntent(c, d.controller.SetDevicePower(ctx, req.Device, req.State == "on"))
		return
	}

	switch req.State {
	case "on":
		d.respondIntent(c, d.controller.SetCombinedPower(ctx, true))
	case "off":
		d.respondIntent(c, d.controller.SetCombinedPower(ctx, false))
	default:
		d.respondIntent(c, d.controller.PowerToggle(ctx))
	}
}

// handleTune starts a full tune
func (d *Daemon) handleTune(c *gin.Context) {
	d.respondIntent(c, d.controller.Tune(c.Request.Context()))
}

// valueRequest is the body of the single value setters
type valueRequest struct {
	Value string `json:"value" binding:"required"`
}

func bindValue(c *gin.Context) (string, bool) {
	var req valueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": control.CodeBadRequest})
		return "", false
	}
	return req.Value, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": control.CodeBadRequest})
}

// handleSetAmpMode puts the amplifier in standby or operate
func (d *Daemon) handleSetAmpMode(c *gin.Context) {
	value, ok := bindValue(c)
	if !ok {
		return
	}
	mode, err := protocol.ParseOperatingMode(value)
	if err != nil {
		badRequest(c, err)
		return
	}
	d.respondIntent(c, d.controller.SetAmpMode(c.Request.Context(), mode))
}

// handleSetBand selects the amplifier band
func (d *Daemon) handleSetBand(c *gin.Context) {
	value, ok := bindValue(c)
	if !ok {
		return
	}
	band, err := protocol.ParseBand(value)
	if err != nil {
		badRequest(c, err)
		return
	}
	d.respondIntent(c, d.controller.SetBand(c.Request.Context(), band))
}

// handleSetTunerMode selects auto, manual or bypass
func (d *Daemon) handleSetTunerMode(c *gin.Context) {
	value, ok := bindValue(c)
	if !ok {
		return
	}
	mode, err := protocol.ParseTunerMode(value)
	if err != nil {
		badRequest(c, err)
		return
	}
	d.respondIntent(c, d.controller.SetTunerMode(c.Request.Context(), mode))
}

// handleSetAntenna selects the tuner antenna
func (d *Daemon) handleSetAntenna(c *gin.Context) {
	var req struct {
		Antenna int `json:"antenna" binding:"required,min=1,max=3"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d.respondIntent(c, d.controller.SetAntenna(c.Request.Context(), req.Antenna))
}

// handleGetDeviceInfo reads serial number and firmware of a device
func (d *Daemon) handleGetDeviceInfo(c *gin.Context) {
	device := c.Param("device")
	info, err := d.controller.Info(c.Request.Context(), device)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device": device,
		"info":   info,
	})
}

// handleReconnect drops and reopens the session of a device
func (d *Daemon) handleReconnect(c *gin.Context) {
	d.respondIntent(c, d.controller.ReconnectDevice(c.Request.Context(), c.Param("device")))
}

// handleClearFault clears the fault of the amplifier, the tuner or the
// combo
func (d *Daemon) handleClearFault(c *gin.Context) {
	d.respondIntent(c, d.controller.ClearFault(c.Request.Context(), c.Param("device")))
}

// queryInt parses an integer query parameter, falling back to def
func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// requireStore answers 503 when the journal is disabled
func (d *Daemon) requireStore(c *gin.Context) bool {
	if d.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errJournalDisabled.Error()})
		return false
	}
	return true
}

// handleGetEvents returns journal entries, newest first
func (d *Daemon) handleGetEvents(c *gin.Context) {
	if !d.requireStore(c) {
		return
	}

	query := storage.EventQuery{
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
		Device: c.Query("device"),
		Kind:   c.Query("kind"),
		Failed: c.Query("failed") == "true",
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, err)
			return
		}
		query.Since = &t
	}

	events, err := d.store.GetEvents(query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleSearchEvents searches event messages and errors
func (d *Daemon) handleSearchEvents(c *gin.Context) {
	if !d.requireStore(c) {
		return
	}

	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "search query required"})
		return
	}

	events, err := d.store.SearchEvents(q, queryInt(c, "limit", 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleGetDeviceSummaries returns the last event and unacknowledged
// fault count per device
func (d *Daemon) handleGetDeviceSummaries(c *gin.Context) {
	if !d.requireStore(c) {
		return
	}

	summaries, err := d.store.GetDeviceSummaries()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": summaries})
}

// handleGetEventStats returns journal statistics
func (d *Daemon) handleGetEventStats(c *gin.Context) {
	if !d.requireStore(c) {
		return
	}

	stats, err := d.store.GetEventStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleAcknowledgeFaults resets the unacknowledged fault count of a
// device
func (d *Daemon) handleAcknowledgeFaults(c *gin.Context) {
	if !d.requireStore(c) {
		return
	}

	device := c.Param("device")
	if err := d.store.AcknowledgeFaults(device); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "faults acknowledged for " + device,
	})
}

// handleCleanupEvents triggers manual cleanup of old events
func (d *Daemon) handleCleanupEvents(c *gin.Context) {
	if !d.requireStore(c) {
		return
	}

	if err := d.store.CleanupOldEvents(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	count, err := d.store.GetEventCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"count":  count,
	})
}

// handleGetSerialPorts lists USB serial adapters the devices may sit on
func (d *Daemon) handleGetSerialPorts(c *gin.Context) {
	ports, err := link.ListPorts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ports == nil {
		ports = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"serial_ports": ports,
		"amplifier":    d.config.Amplifier.Port,
		"tuner":        d.config.Tuner.Port,
	})
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API carries no credentials
	},
}

// handleStatusWebSocket streams every new station snapshot
func (d *Daemon) handleStatusWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	d.log.Debugf("status websocket client connected from %s", c.ClientIP())

	snapshots, unsubscribe := d.controller.Subscribe()
	defer unsubscribe()

	// the client sends nothing; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(gin.H{"type": "snapshot", "state": snap}); err != nil {
				d.log.Debugf("websocket write error: %v", err)
				return
			}

		case <-closed:
			d.log.Debugf("status websocket client disconnected")
			return

		case <-d.ctx.Done():
			return
		}
	}
}
