package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	container "github.com/opensensor-io/sensor-server/src/production/OSN.Container"
)

// HealthController reports liveness and backing-service state.
type HealthController struct {
	container *container.ApiContainer
}

func NewHealthController(ctr *container.ApiContainer) *HealthController {
	return &HealthController{container: ctr}
}

// RegisterRoutes registers health routes
func (hc *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", hc.healthz)
}

func (hc *HealthController) healthz(c *gin.Context) {
	status := hc.container.HealthCheck(c.Request.Context())
	code := http.StatusOK
	if status["status"] == "error" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
