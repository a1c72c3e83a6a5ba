package constants

// Route constants
const (
	StripeWebhookRoute = "/api/webhooks/stripe"
	OpsRoute           = "/ops"
	MetricsRoute       = "/metrics"
	HealthRoute        = "/healthz"
	DocsBasePath       = "/docs/api/"
	DocsFilePath       = "public/docs/v1/openapi.yml"
)
