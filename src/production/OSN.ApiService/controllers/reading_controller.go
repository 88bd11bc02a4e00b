package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opensensor-io/sensor-server/src/production/OSN.ApiService/middleware"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
	interfaces "github.com/opensensor-io/sensor-server/src/production/OSN.Repository/Interfaces"
)

// ReadingController serves sensor ingestion and sampled-history queries.
type ReadingController struct {
	readings interfaces.ReadingRepository
	users    interfaces.UserRepository
	logger   *logger.Logger
	auth     *middleware.AuthMiddleware
}

func NewReadingController(readings interfaces.ReadingRepository, users interfaces.UserRepository, log *logger.Logger, auth *middleware.AuthMiddleware) *ReadingController {
	return &ReadingController{
		readings: readings,
		users:    users,
		logger:   log.WithComponent("reading_controller"),
		auth:     auth,
	}
}

// RegisterRoutes registers ingestion and history routes
func (rc *ReadingController) RegisterRoutes(router *gin.Engine) {
	// Ingestion: one route per sensor type plus the combined event route.
	// Writes authenticate with the device API key carried in the body.
	router.POST("/temp/", rc.handleIngest("temp", func(e *osnmodels.Environment) bool { return e.Temp != nil }))
	router.POST("/rh/", rc.handleIngest("rh", func(e *osnmodels.Environment) bool { return e.RH != nil }))
	router.POST("/pressure/", rc.handleIngest("pressure", func(e *osnmodels.Environment) bool { return e.Pressure != nil }))
	router.POST("/lux/", rc.handleIngest("lux", func(e *osnmodels.Environment) bool { return e.Lux != nil }))
	router.POST("/CO2/", rc.handleIngest("co2", func(e *osnmodels.Environment) bool { return e.CO2 != nil }))
	router.POST("/pH/", rc.handleIngest("pH", func(e *osnmodels.Environment) bool { return e.PH != nil }))
	router.POST("/moisture/", rc.handleIngest("moisture", func(e *osnmodels.Environment) bool { return e.Moisture != nil }))
	router.POST("/liquid/", rc.handleIngest("liquid", func(e *osnmodels.Environment) bool { return e.Liquid != nil }))
	router.POST("/relays/", rc.handleIngest("relays", func(e *osnmodels.Environment) bool { return e.Relays != nil }))
	router.POST("/pumps/", rc.handleIngest("pumps", func(e *osnmodels.Environment) bool { return e.Pumps != nil }))
	router.POST("/environment/", rc.handleIngest("", nil))

	// History: owner or public-device access, bearer token optional.
	router.GET("/temp/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("Temperature"))
	router.GET("/rh/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("Humidity"))
	router.GET("/pressure/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("Pressure"))
	router.GET("/lux/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("Lux"))
	router.GET("/CO2/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("CO2"))
	router.GET("/pH/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("pH"))
	router.GET("/moisture/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("Moisture"))
	router.GET("/liquid/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("LiquidLevel"))
	router.GET("/relays/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("RelayBoard"))
	router.GET("/pumps/:device_id", rc.auth.OptionalAuth(), rc.handleHistory("PumpBoard"))
	router.GET("/VPD/:device_id", rc.auth.OptionalAuth(), rc.handleVPD())
}

func (rc *ReadingController) handleIngest(label string, require func(*osnmodels.Environment) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env osnmodels.Environment
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
		if require != nil && !require(&env) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing " + label + " payload"})
			return
		}
		if env.DeviceMetadata.APIKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "API key is required"})
			return
		}

		user, err := rc.users.ValidateAPIKey(c.Request.Context(), env.DeviceMetadata.APIKey, env.DeviceMetadata.DeviceID, env.DeviceMetadata.Name)
		if errors.Is(err, interfaces.ErrInvalidAPIKey) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid API key for device"})
			return
		}
		if err != nil {
			rc.logger.ErrorWithError(err, "Failed to validate api key")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to validate API key"})
			return
		}
		env.DeviceMetadata.UserID = user.ID

		if err := rc.readings.RecordEnvironment(c.Request.Context(), &env); err != nil {
			rc.logger.WithField("device_id", env.DeviceMetadata.DeviceID).ErrorWithError(err, "Failed to record environment")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record reading"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{"message": "Reading recorded"})
	}
}

func (rc *ReadingController) handleHistory(modelName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		query, ok := rc.authorizeHistory(c)
		if !ok {
			return
		}

		page, err := rc.readings.SampleHistory(c.Request.Context(), modelName, query)
		if err != nil {
			rc.logger.WithField("model", modelName).ErrorWithError(err, "Failed to sample history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query readings"})
			return
		}

		c.JSON(http.StatusOK, page)
	}
}

func (rc *ReadingController) handleVPD() gin.HandlerFunc {
	return func(c *gin.Context) {
		query, ok := rc.authorizeHistory(c)
		if !ok {
			return
		}

		series, err := rc.readings.SampleVPD(c.Request.Context(), query)
		if err != nil {
			rc.logger.ErrorWithError(err, "Failed to sample vpd")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query readings"})
			return
		}

		c.JSON(http.StatusOK, series)
	}
}

// authorizeHistory checks read access to the device and builds the history
// query from the URL. Access requires ownership via bearer token, or a device
// whose keys all share data publicly.
func (rc *ReadingController) authorizeHistory(c *gin.Context) (interfaces.HistoryQuery, bool) {
	deviceID := c.Param("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Device id is required"})
		return interfaces.HistoryQuery{}, false
	}

	allowed := false
	if userID, err := middleware.CallerID(c); err == nil {
		owns, err := rc.users.UserOwnsDevice(c.Request.Context(), userID, deviceID)
		if err != nil {
			rc.logger.ErrorWithError(err, "Failed to check device ownership")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check device access"})
			return interfaces.HistoryQuery{}, false
		}
		allowed = owns
	}
	if !allowed {
		public, err := rc.users.DeviceIsPublic(c.Request.Context(), deviceID)
		if err != nil {
			rc.logger.ErrorWithError(err, "Failed to check device visibility")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check device access"})
			return interfaces.HistoryQuery{}, false
		}
		allowed = public
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not authorized for device"})
		return interfaces.HistoryQuery{}, false
	}

	ids, name, err := rc.users.ResolveDeviceChain(c.Request.Context(), deviceID)
	if err != nil {
		rc.logger.WithField("device_id", deviceID).ErrorWithError(err, "Failed to resolve device chain")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve device"})
		return interfaces.HistoryQuery{}, false
	}

	query := interfaces.HistoryQuery{
		DeviceIDs:  ids,
		DeviceName: name,
		Unit:       c.Query("unit"),
	}

	parseErr := func(param string) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param + " parameter"})
	}
	if v := c.Query("start_date"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			parseErr("start_date")
			return interfaces.HistoryQuery{}, false
		}
		query.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			parseErr("end_date")
			return interfaces.HistoryQuery{}, false
		}
		query.EndDate = &t
	}
	if v := c.Query("resolution"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			parseErr("resolution")
			return interfaces.HistoryQuery{}, false
		}
		query.Resolution = n
	}
	if v := c.Query("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			parseErr("page")
			return interfaces.HistoryQuery{}, false
		}
		query.Page = n
	}
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			parseErr("size")
			return interfaces.HistoryQuery{}, false
		}
		query.Size = n
	}

	return query, true
}

func parseTimestamp(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
