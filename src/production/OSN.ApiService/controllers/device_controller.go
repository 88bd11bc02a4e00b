package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opensensor-io/sensor-server/src/production/OSN.ApiService/middleware"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
)

// DeviceController serves API key registration, device listings and the
// device command queue.
type DeviceController struct {
	users  interfaces.UserRepository
	logger *logger.Logger
	auth   *middleware.AuthMiddleware
}

func NewDeviceController(users interfaces.UserRepository, log *logger.Logger, auth *middleware.AuthMiddleware) *DeviceController {
	return &DeviceController{
		users:  users,
		logger: log.WithComponent("device_controller"),
		auth:   auth,
	}
}

// RegisterRoutes registers device management routes
func (dc *DeviceController) RegisterRoutes(router *gin.Engine) {
	router.POST("/api-keys/", dc.auth.Authenticate(), dc.addAPIKey)
	router.GET("/my-devices/", dc.auth.Authenticate(), dc.listMyDevices)
	router.GET("/public-devices/", dc.listPublicDevices)
	router.POST("/command/device", dc.auth.Authenticate(), dc.queueCommand)
	router.POST("/command/consume", dc.consumeCommand)
}

func (dc *DeviceController) addAPIKey(c *gin.Context) {
	userID, err := middleware.CallerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var key osnmodels.APIKey
	if err := c.ShouldBindJSON(&key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if key.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
		return
	}

	keys, err := dc.users.AddAPIKey(c.Request.Context(), userID, key)
	if errors.Is(err, interfaces.ErrDeviceConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "Device already registered to another user"})
		return
	}
	if err != nil {
		dc.logger.ErrorWithError(err, "Failed to add api key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add API key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"api_keys": keys})
}

func (dc *DeviceController) listMyDevices(c *gin.Context) {
	userID, err := middleware.CallerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	devices, err := dc.users.ListUserDevices(c.Request.Context(), userID)
	if err != nil {
		dc.logger.ErrorWithError(err, "Failed to list user devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (dc *DeviceController) listPublicDevices(c *gin.Context) {
	devices, err := dc.users.ListPublicDevices(c.Request.Context())
	if err != nil {
		dc.logger.ErrorWithError(err, "Failed to list public devices")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (dc *DeviceController) queueCommand(c *gin.Context) {
	userID, err := middleware.CallerID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var cmd osnmodels.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	err = dc.users.AddCommand(c.Request.Context(), userID, cmd)
	if errors.Is(err, interfaces.ErrNotAuthorized) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not authorized for device"})
		return
	}
	if err != nil {
		dc.logger.ErrorWithError(err, "Failed to queue command")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue command"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Command queued"})
}

type consumeCommandRequest struct {
	APIKey     string `json:"api_key" binding:"required"`
	DeviceID   string `json:"device_id" binding:"required"`
	DeviceName string `json:"device_name"`
}

// consumeCommand lets a device poll for its next queued instruction,
// authenticating with its API key like an ingestion write.
func (dc *DeviceController) consumeCommand(c *gin.Context) {
	var req consumeCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	cmd, err := dc.users.ConsumeCommand(c.Request.Context(), req.APIKey, req.DeviceID, req.DeviceName)
	if errors.Is(err, interfaces.ErrInvalidAPIKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key for device"})
		return
	}
	if errors.Is(err, interfaces.ErrNoCommand) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No command queued"})
		return
	}
	if err != nil {
		dc.logger.ErrorWithError(err, "Failed to consume command")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to consume command"})
		return
	}

	c.JSON(http.StatusOK, cmd)
}
