package route

import (
	"errors"

	"backend-pilgrimhub/internal/shared/geo"

	"github.com/gofiber/fiber/v2"
)

// routeView is a route as served to clients, with its declared length precomputed.
type routeView struct {
	Route
	TotalDistanceM float64 `json:"total_distance_m"`
}

func viewOf(r Route) routeView {
	return routeView{Route: r, TotalDistanceM: r.TotalDistanceM()}
}

// RegisterRoutes exposes the catalog. store may be nil, in which case routes cannot be saved.
func RegisterRoutes(r fiber.Router, catalog *Catalog, store *PGStore, authMiddleware fiber.Handler) {
	r.Get("/", func(c *fiber.Ctx) error {
		routes := catalog.List()
		views := make([]routeView, len(routes))
		for i, r := range routes {
			views[i] = viewOf(r)
		}
		return c.JSON(views)
	})

	r.Get("/:id", func(c *fiber.Ctx) error {
		rt, err := catalog.Get(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "route not found")
		}
		return c.JSON(viewOf(rt))
	})

	r.Get("/:id/waypoints/:waypointID", func(c *fiber.Ctx) error {
		rt, err := catalog.Get(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "route not found")
		}
		wp, ok := rt.Waypoint(c.Params("waypointID"))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "waypoint not found")
		}
		return c.JSON(wp)
	})

	r.Post("/:id/match", func(c *fiber.Ctx) error {
		rt, err := catalog.Get(c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "route not found")
		}
		var body struct {
			Lat      float64  `json:"lat"`
			Lng      float64  `json:"lng"`
			Recorded []string `json:"recorded"`
		}
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		recorded := map[string]bool{}
		for _, id := range body.Recorded {
			recorded[id] = true
		}
		res := Match(geo.Point{Lat: body.Lat, Lng: body.Lng}, rt, func(id string) bool { return recorded[id] })
		return c.JSON(res)
	})

	r.Put("/:id", authMiddleware, func(c *fiber.Ctx) error {
		if store == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "route storage not configured")
		}
		var req Route
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		req.ID = c.Params("id")
		normalized, err := Normalize(req)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := store.SaveRoute(c.Context(), normalized); err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if err := catalog.Add(normalized); err != nil {
			if errors.Is(err, ErrInvalidRoute) {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(normalized)
	})
}
