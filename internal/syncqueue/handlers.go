package syncqueue

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, q *Queue) {
	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(q.Status())
	})

	r.Get("/pending", func(c *fiber.Ctx) error {
		return c.JSON(q.Pending())
	})

	r.Get("/failed", func(c *fiber.Ctx) error {
		return c.JSON(q.Failed())
	})

	r.Post("/drain", func(c *fiber.Ctx) error {
		ran := q.Drain(c.Context())
		return c.JSON(fiber.Map{"ran": ran, "status": q.Status()})
	})

	r.Post("/failed/:id/retry", func(c *fiber.Ctx) error {
		a, err := q.Retry(c.Context(), c.Params("id"))
		if errors.Is(err, ErrActionNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(a)
	})
}
