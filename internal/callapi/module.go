// Package callapi exposes read-only admin views of call sessions and quota
// usage.
package callapi

import (
	apphttp "reminder_calls_backend/internal/http"
)

// Module is the admin read API implementing http.Module.
type Module struct {
	handler *Handler
}

func NewModule(sessions SessionReader, usage UsageReader) *Module {
	return &Module{handler: NewHandler(sessions, usage)}
}

func (m *Module) Name() string {
	return "callapi"
}

// RegisterRoutes mounts the admin routes. The admin group already enforces
// the admin API key.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Admin.GET("/calls/:callId", m.handler.HandleGetCall)
	ctx.Admin.GET("/quota/:tenantId", m.handler.HandleGetQuota)
}

var _ apphttp.Module = (*Module)(nil)
