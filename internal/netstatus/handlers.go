package netstatus

import (
	"github.com/gofiber/fiber/v2"
)

type networkRequest struct {
	Online *bool `json:"online"`
}

// RegisterRoutes lets the device client report its radio state. m is nil when a Prober owns
// connectivity, in which case the state is read-only.
func RegisterRoutes(r fiber.Router, p Provider, m *Manual) {
	r.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"online": p.Online()})
	})

	r.Post("/", func(c *fiber.Ctx) error {
		if m == nil {
			return fiber.NewError(fiber.StatusConflict, "connectivity is probed, not reported")
		}
		var req networkRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if req.Online == nil {
			return fiber.NewError(fiber.StatusBadRequest, "online is required")
		}
		m.Set(*req.Online)
		return c.JSON(fiber.Map{"online": m.Online()})
	})
}
