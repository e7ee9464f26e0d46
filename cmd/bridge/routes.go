package main

import (
	"call-bridge/internal/httpapi"
	"call-bridge/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public health endpoints
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	v1.Use(rbac.RequireAnyRole(rbac.RoleViewer, rbac.RoleOperator))
	{
		v1.GET("/status", h.GetStatus)

		calls := v1.Group("/calls")
		{
			calls.GET("", h.ListCalls)
			calls.GET("/:call_id", h.GetCall)
			calls.GET("/:call_id/events", h.GetCallEvents)
			calls.POST("/:call_id/hangup", rbac.RequireAnyRole(rbac.RoleOperator), h.HangupCall)
		}

		reports := v1.Group("/reports")
		{
			reports.GET("/calls", h.CallsReport)
		}
	}
}
