package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// DeviceIDKey is the fiber local holding the authenticated device.
const DeviceIDKey = "device_id"

// JWTMiddleware accepts HS256 access tokens signed with secret and records the device they
// were issued to.
func JWTMiddleware(secret string) fiber.Handler {
	verifier := NewService(secret, nil)
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := verifier.parseToken(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		if claims.DeviceID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token carries no device")
		}

		c.Locals(DeviceIDKey, claims.DeviceID)
		return c.Next()
	}
}

// DeviceID returns the device authenticated by JWTMiddleware, or "" on unprotected routes.
func DeviceID(c *fiber.Ctx) string {
	id, _ := c.Locals(DeviceIDKey).(string)
	return id
}

func bearerFromHeader(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
