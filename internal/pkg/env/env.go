package env

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var Env map[string]string

func GetEnv(key, def string) string {
	// First check our loaded Env map
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (containers, tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func SetupEnvFile() {
	envFiles := []string{
		".env",
		"../../.env", // from cmd/<binary>
		"../../../.env",
	}

	var err error
	for _, envFile := range envFiles {
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return
		}
	}

	Env = map[string]string{}
	log.Warn().Msg("no .env file found, using process environment only")
}

// nonProdEnvs are the only APP_ENV values that accept Stripe test-mode events.
var nonProdEnvs = map[string]bool{
	"dev":         true,
	"development": true,
	"local":       true,
	"test":        true,
	"testing":     true,
	"staging":     true,
}

func AppEnv() string {
	return strings.ToLower(strings.TrimSpace(GetEnv("APP_ENV", "prod")))
}

func IsDev() bool {
	switch AppEnv() {
	case "dev", "development", "local":
		return true
	}
	return false
}

// IsProd reports whether this deployment processes live-mode Stripe events
// only. Any value other than a known non-production name counts as production.
func IsProd() bool {
	return !nonProdEnvs[AppEnv()]
}
