package http

import "github.com/gin-gonic/gin"

// Routes registers the device manager API on r.
func (h *Handlers) Routes(r gin.IRoutes) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	// Devices
	r.POST("/devices/register", h.RegisterDevice)
	r.GET("/devices", h.ListDevices)
	r.GET("/devices/:id", h.GetDevice)
	r.DELETE("/devices/:id", h.DeleteDevice)

	// Reservations
	r.POST("/devices/reserve", h.ReserveDevice)
	r.POST("/devices/:id/release", h.ReleaseDevice)
	r.POST("/devices/heartbeat", h.Heartbeat)
	r.POST("/devices/:id/commands", h.ExecuteCommand)
	r.GET("/reservations", h.ListReservations)
	r.GET("/reservations/:id", h.GetReservation)

	// Appium
	r.GET("/appium/servers", h.AppiumServers)

	r.GET("/metrics/json", h.MetricsSummary)
}
