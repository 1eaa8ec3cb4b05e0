package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/waconsole/internal/instances"
	"go.uber.org/zap"
)

func (s *Server) registerRoutes(g *echo.Group) {
	g.GET("/instances", s.listInstances)
	g.POST("/instances", s.createInstance)
	g.DELETE("/instances/:id", s.deleteInstance)
	g.POST("/instances/refresh", s.refreshInstances)
	g.POST("/instances/:id/connect", s.connectInstance)
	g.POST("/instances/:id/confirm", s.confirmInstance)
	g.GET("/instances/:id/qr", s.getInstanceQR)
	g.POST("/instances/:id/qr", s.generateInstanceQR)
	g.GET("/events", s.listEvents)
	g.POST("/visibility", s.setVisibility)
	g.GET("/state", s.getState)
}

// listInstances returns the current merged view plus selection metadata.
func (s *Server) listInstances(c echo.Context) error {
	snap := s.ctrl.Store().Snapshot()
	return ok(c, map[string]interface{}{
		"instances":   snap.Instances,
		"current":     snap.Current,
		"status":      snap.Status,
		"load_status": snap.LoadStatus,
		"fetched":     snap.HasFetchedOnce,
	})
}

// getState returns the full projection for dashboards.
func (s *Server) getState(c echo.Context) error {
	return ok(c, s.ctrl.Store().Snapshot())
}

func (s *Server) createInstance(c echo.Context) error {
	var payload struct {
		Name     string `json:"name"`
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "name is required", nil)
	}

	res, err := s.ctrl.Service().CreateInstance(c.Request().Context(), instances.CreateRequest{
		Name:     payload.Name,
		ID:       payload.ID,
		TenantID: payload.TenantID,
	})
	if err != nil {
		zap.L().Warn("webapi: create instance failed", zap.Error(err))
		status := http.StatusBadGateway
		if res.Retryable {
			status = http.StatusServiceUnavailable
		}
		return fail(c, status, "CREATE_FAILED", res.Message, nil)
	}
	if res.Skipped {
		return fail(c, http.StatusUnauthorized, "AUTH_REQUIRED", "Session is no longer authorized", nil)
	}
	return ok(c, map[string]interface{}{"id": res.InstanceID})
}

func (s *Server) deleteInstance(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "id required", nil)
	}
	wipe := cast.ToBool(c.QueryParam("wipe"))

	res, err := s.ctrl.Service().DeleteInstance(c.Request().Context(), instances.DeleteRequest{
		ID:   id,
		Wipe: wipe,
	})
	if err != nil {
		zap.L().Warn("webapi: delete instance failed", zap.String("id", id), zap.Error(err))
		return fail(c, http.StatusBadGateway, "DELETE_FAILED", res.Message, nil)
	}
	if res.Skipped {
		return fail(c, http.StatusUnauthorized, "AUTH_REQUIRED", "Session is no longer authorized", nil)
	}
	return ok(c, map[string]interface{}{"removed": true, "wipe": wipe})
}

// refreshInstances triggers a reload. force=1 asks for a fresh broker read,
// subject to the debounce and rate-limit cooldowns; the response reports
// whether the forced read was honored.
func (s *Server) refreshInstances(c echo.Context) error {
	force := cast.ToBool(c.QueryParam("force"))

	res, err := s.ctrl.Service().LoadInstances(c.Request().Context(), instances.LoadOptions{
		Force:  force,
		Reason: "manual",
	})
	if err != nil {
		return fail(c, http.StatusBadGateway, "REFRESH_FAILED", err.Error(), nil)
	}
	return ok(c, map[string]interface{}{
		"forced":     res.Forced,
		"from_cache": res.FromCache,
		"skipped":    res.Skipped,
		"count":      res.Count,
	})
}

func (s *Server) connectInstance(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "id required", nil)
	}
	var payload struct {
		Phone string `json:"phone"`
		Code  string `json:"code"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	res, err := s.ctrl.Service().ConnectInstance(c.Request().Context(), instances.ConnectRequest{
		ID:    id,
		Phone: payload.Phone,
		Code:  payload.Code,
	})
	if err != nil {
		return fail(c, http.StatusBadGateway, "CONNECT_FAILED", res.Message, nil)
	}
	if res.Skipped {
		return fail(c, http.StatusUnauthorized, "AUTH_REQUIRED", "Session is no longer authorized", nil)
	}
	return ok(c, map[string]interface{}{"started": true, "qr": s.ctrl.Store().QRSnapshot()})
}

// confirmInstance is the "I scanned the code" acknowledgement. The broker is
// probed for ground truth; an unconfirmed pairing returns a conflict rather
// than flipping the flag optimistically.
func (s *Server) confirmInstance(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "id required", nil)
	}

	res, err := s.ctrl.Service().MarkConnected(c.Request().Context(), id)
	if err != nil {
		return fail(c, http.StatusBadGateway, "CONFIRM_FAILED", res.Message, nil)
	}
	if res.Skipped {
		return fail(c, http.StatusUnauthorized, "AUTH_REQUIRED", "Session is no longer authorized", nil)
	}
	if !res.Success {
		return fail(c, http.StatusConflict, "NOT_CONNECTED", res.Message, nil)
	}
	return ok(c, map[string]interface{}{"connected": true})
}

func (s *Server) getInstanceQR(c echo.Context) error {
	id := c.Param("id")
	qr := s.ctrl.Store().QRSnapshot()
	if qr.InstanceID != id || qr.Data == "" {
		return ok(c, map[string]interface{}{"has_qr": false, "failed": qr.Failed && qr.InstanceID == id})
	}
	return ok(c, map[string]interface{}{
		"has_qr":       true,
		"code":         qr.Data,
		"expires_at":   qr.ExpiresAt,
		"seconds_left": qr.SecondsLeft,
	})
}

// generateInstanceQR requests a fresh pairing code synchronously and returns
// the resulting QR sub-state.
func (s *Server) generateInstanceQR(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "id required", nil)
	}
	s.ctrl.QR().Generate(c.Request().Context(), id)

	qr := s.ctrl.Store().QRSnapshot()
	if qr.Failed || qr.Data == "" {
		return fail(c, http.StatusBadGateway, "QR_FAILED", "Could not obtain a pairing code", nil)
	}
	return ok(c, map[string]interface{}{
		"code":         qr.Data,
		"expires_at":   qr.ExpiresAt,
		"seconds_left": qr.SecondsLeft,
	})
}

// listEvents returns the realtime event ring, newest last.
func (s *Server) listEvents(c echo.Context) error {
	snap := s.ctrl.Store().Snapshot()
	return ok(c, map[string]interface{}{
		"events":             snap.LiveEvents,
		"realtime_connected": snap.RealtimeConnected,
	})
}

// setVisibility mirrors a frontend tab visibility change into the sync
// engine so polling pauses while no one is watching.
func (s *Server) setVisibility(c echo.Context) error {
	var payload struct {
		Visible *bool `json:"visible"`
	}
	if err := c.Bind(&payload); err != nil || payload.Visible == nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "visible is required", nil)
	}
	s.ctrl.SetVisible(*payload.Visible)
	return ok(c, map[string]interface{}{"visible": *payload.Visible})
}
