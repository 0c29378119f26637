package archive

import (
	"errors"

	"backend-pilgrimhub/internal/auth"
	"backend-pilgrimhub/internal/tracking"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/sessions", authMiddleware, func(c *fiber.Ctx) error {
		var req tracking.Session
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		device := auth.DeviceID(c)
		switch {
		case req.DeviceID == "":
			req.DeviceID = device
		case device != "" && req.DeviceID != device:
			return fiber.NewError(fiber.StatusForbidden, "session belongs to another device")
		}
		if err := svc.SaveSession(c.Context(), req); err != nil {
			return httpError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": req.ID})
	})

	r.Get("/sessions/:id/summary", func(c *fiber.Ctx) error {
		summary, err := svc.Summary(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(summary)
	})

	r.Get("/sessions/:id/points", func(c *fiber.Ctx) error {
		points, err := svc.Points(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(points)
	})

	r.Get("/sessions/:id/checkpoints", func(c *fiber.Ctx) error {
		checkpoints, err := svc.Checkpoints(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(checkpoints)
	})

	r.Get("/sessions/:id/gpx", func(c *fiber.Ctx) error {
		doc, err := svc.GPX(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		c.Attachment(c.Params("id") + ".gpx")
		c.Set(fiber.HeaderContentType, "application/gpx+xml")
		return c.Send(doc)
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidSession):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
