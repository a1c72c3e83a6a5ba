package middleware

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/corates/stripehook/internal/pkg/env"
)

// OpsCredentials protect the operational read API.
type OpsCredentials struct {
	User         string
	PasswordHash string // bcrypt
}

// LoadOpsCredentials reads OPS_USER and OPS_PASSWORD_HASH.
func LoadOpsCredentials() (OpsCredentials, error) {
	creds := OpsCredentials{
		User:         strings.TrimSpace(env.GetEnv("OPS_USER", "ops")),
		PasswordHash: strings.TrimSpace(env.GetEnv("OPS_PASSWORD_HASH", "")),
	}
	if creds.PasswordHash == "" {
		return creds, errors.New("OPS_PASSWORD_HASH is required for the ops API")
	}
	if _, err := bcrypt.Cost([]byte(creds.PasswordHash)); err != nil {
		return creds, errors.New("OPS_PASSWORD_HASH is not a bcrypt hash")
	}
	return creds, nil
}

// OpsAuthMiddleware guards ops routes with HTTP basic auth against a bcrypt hash.
func OpsAuthMiddleware(creds OpsCredentials) fiber.Handler {
	return basicauth.New(basicauth.Config{
		Realm: "stripehook ops",
		Authorizer: func(user, pass string) bool {
			if subtle.ConstantTimeCompare([]byte(user), []byte(creds.User)) != 1 {
				return false
			}
			return bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(pass)) == nil
		},
		Unauthorized: func(c *fiber.Ctx) error {
			log.Warn().Str("ip", c.IP()).Str("path", c.Path()).Msg("ops API: unauthorized request")
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="stripehook ops"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}
