// Package httpapi is the HTTP control plane: submission, status and
// log reads, queue administration, analytics, and the per-channel
// direct endpoints that bypass the queue.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orbitmsg/dispatch/internal/apperr"
	"github.com/orbitmsg/dispatch/internal/dispatch"
	"github.com/orbitmsg/dispatch/internal/logging"
	"github.com/orbitmsg/dispatch/internal/store"
)

// Deps carries everything the control plane serves from.
type Deps struct {
	Service       *dispatch.Service
	Notifications store.NotificationRepository
	Logs          store.LogRepository
	Logger        *logging.Logger
	// WorkerRunning reports whether this process' worker pool is up,
	// for the health endpoint.
	WorkerRunning func() bool
	// CORSOrigin is the allowed dashboard origin.
	CORSOrigin string
}

// New builds the fiber app with all routes registered.
func New(deps Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(deps.Logger),
	})

	app.Use(cors.New(cors.Config{AllowOrigins: deps.CORSOrigin}))
	app.Use(correlationMiddleware(deps.Logger))

	h := &handlers{deps: deps}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": "dispatch API is running"})
	})
	app.Get("/health", h.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Post("/notifications/send", h.send)
	api.Get("/notifications/:id/status", h.notificationStatus)
	api.Get("/notifications/user/:userId", h.notificationsByUser)
	api.Post("/notifications/:id/retry", h.retryNotification)

	api.Get("/queue/stats", h.queueStats)
	api.Post("/queue/pause", h.queuePause)
	api.Post("/queue/resume", h.queueResume)
	api.Post("/queue/clear-failed", h.queueClearFailed)
	api.Post("/queue/retry-failed", h.queueRetryFailed)
	api.Get("/queue/health", h.health)

	api.Get("/analytics", h.analytics)
	api.Get("/analytics/errors", h.analyticsErrors)
	api.Get("/analytics/logs", h.analyticsLogs)

	api.Post("/email/send", h.directSend(dispatch.ChannelEmail))
	api.Post("/sms/send", h.directSend(dispatch.ChannelSMS))
	api.Post("/slack/send", h.directSend(dispatch.ChannelSlack))
	api.Post("/telegram/send", h.directSend(dispatch.ChannelTelegram))
	api.Post("/push/send", h.directSend(dispatch.ChannelPush))
	api.Post("/push/send-multicast", h.pushMulticast)
	api.Post("/push/send-topic", h.pushTopic)
	api.Post("/push/subscribe-topic", h.pushSubscribeTopic)
	api.Post("/push/unsubscribe-topic", h.pushUnsubscribeTopic)
	for _, ch := range []dispatch.Channel{
		dispatch.ChannelEmail, dispatch.ChannelSMS, dispatch.ChannelPush,
		dispatch.ChannelSlack, dispatch.ChannelTelegram,
	} {
		api.Get("/"+string(ch)+"/verify", h.verify(ch))
	}

	return app
}

// correlationMiddleware stamps every request with a correlation ID and
// logs the request through the structured logger.
func correlationMiddleware(logger *logging.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Correlation-ID")
		if id == "" {
			id = logging.NewCorrelationID()
		}
		c.Locals("correlation_id", id)
		c.Set("X-Correlation-ID", id)

		err := c.Next()

		logger.WithContext(c.Context()).WithFields(map[string]interface{}{
			"correlation_id": id,
			"method":         c.Method(),
			"path":           c.Path(),
			"status":         c.Response().StatusCode(),
		}).Info("request")
		return err
	}
}

// errorHandler converts any error into the {error, message?, details?}
// envelope, mapping *apperr.AppError to its HTTP status.
func errorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var ae *apperr.AppError
		if errors.As(err, &ae) {
			body := fiber.Map{"error": ae.Code, "message": ae.Message}
			if ae.Details != "" {
				body["details"] = ae.Details
			}
			return c.Status(ae.HTTPStatus).JSON(body)
		}

		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": http.StatusText(fe.Code), "message": fe.Message})
		}

		logger.WithError(err).Error("unhandled error")
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"error":   "INTERNAL_ERROR",
			"message": "internal server error",
		})
	}
}
