package tracking

import (
	"errors"
	"fmt"

	"backend-pilgrimhub/internal/location"
	"backend-pilgrimhub/internal/safety"
	"backend-pilgrimhub/internal/shared/geo"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

type startRequest struct {
	RouteID string `json:"route_id"`
}

type emergencyRequest struct {
	Note string   `json:"note"`
	Lat  *float64 `json:"lat"`
	Lng  *float64 `json:"lng"`
}

// RegisterRoutes mounts the device-side tracking API. samples may be nil when fixes arrive
// from another source.
func RegisterRoutes(r fiber.Router, m *Manager, samples *location.PushSource) {
	r.Post("/start", func(c *fiber.Ctx) error {
		var req startRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		session, err := m.Start(c.Context(), req.RouteID)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(session)
	})

	r.Post("/pause", func(c *fiber.Ctx) error {
		session, err := m.Pause(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/resume", func(c *fiber.Ctx) error {
		session, err := m.Resume(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/stop", func(c *fiber.Ctx) error {
		session, err := m.Stop(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/abort", func(c *fiber.Ctx) error {
		session, err := m.Abort(c.Context())
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Get("/session", func(c *fiber.Ctx) error {
		session, err := m.Current(c.Context())
		if errors.Is(err, ErrNoSession) {
			return c.JSON(fiber.Map{"state": StateIdle})
		}
		if err != nil {
			return httpError(err)
		}
		return c.JSON(session)
	})

	r.Post("/samples", func(c *fiber.Ctx) error {
		if samples == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "sample push disabled")
		}
		var batch []location.Sample
		if err := c.BodyParser(&batch); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		for i, s := range batch {
			if err := validateSample(s); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("sample %d: %v", i, err))
			}
		}
		accepted := 0
		for _, s := range batch {
			if samples.Push(s) > 0 {
				accepted++
			}
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"received": len(batch), "accepted": accepted})
	})

	if samples != nil {
		r.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		// one JSON sample per message, acknowledged with the number of subscribers that took it
		r.Get("/ws", websocket.New(func(c *websocket.Conn) {
			for {
				var s location.Sample
				if err := c.ReadJSON(&s); err != nil {
					return
				}
				if err := validateSample(s); err != nil {
					if err := c.WriteJSON(fiber.Map{"error": err.Error()}); err != nil {
						return
					}
					continue
				}
				if err := c.WriteJSON(fiber.Map{"accepted": samples.Push(s)}); err != nil {
					return
				}
			}
		}))
	}

	r.Get("/alerts", func(c *fiber.Ctx) error {
		list := m.Alerts
		if c.QueryBool("open") {
			list = m.OpenAlerts
		}
		alerts, err := list(c.Context())
		if err != nil {
			return httpError(err)
		}
		if alerts == nil {
			alerts = []safety.Alert{}
		}
		return c.JSON(alerts)
	})

	r.Post("/alerts/:id/resolve", func(c *fiber.Ctx) error {
		alert, err := m.ResolveAlert(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(alert)
	})

	r.Post("/emergency", func(c *fiber.Ctx) error {
		var req emergencyRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		var at *geo.Point
		if req.Lat != nil && req.Lng != nil {
			at = &geo.Point{Lat: *req.Lat, Lng: *req.Lng}
		}
		alert, err := m.TriggerEmergency(c.Context(), at, req.Note)
		if err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(alert)
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrAlreadyTracking), errors.Is(err, ErrNotActive), errors.Is(err, ErrNotPaused):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrPermissionDenied):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrUnknownRoute), errors.Is(err, safety.ErrAlertNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrClosed):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}

var (
	errCoordinates = errors.New("coordinates out of range")
	errNoTimestamp = errors.New("timestamp is required")
)

// validateSample rejects pushed fixes that cannot be ordered or placed.
func validateSample(s location.Sample) error {
	if s.Lat < -90 || s.Lat > 90 || s.Lng < -180 || s.Lng > 180 {
		return errCoordinates
	}
	if s.Timestamp.IsZero() {
		return errNoTimestamp
	}
	return nil
}
