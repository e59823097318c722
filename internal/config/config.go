package config

const (
	DefaultTimeZone = "America/Santiago"

	// Reconciliation listing defaults.
	DefaultPageSize = 25
	MaxPageSize     = 200

	// Service ports (overridable per service in services.yaml).
	DefaultGatewayPort        = "6100"
	DefaultReconciliationPort = "6151"

	// Stale open-session reporting.
	DefaultStaleSessionDays     = 30
	DefaultStaleSessionSchedule = "0 7 * * *"
)
