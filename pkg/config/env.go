package config

// EnvPrefix is empty because every field tag carries its fully-qualified variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv        = "COUNTERCART_APP_ENV"
	EnvPort          = "COUNTERCART_APP_PORT"
	EnvDBDSN         = "COUNTERCART_DB_DSN"
	EnvDBHost        = "COUNTERCART_DB_HOST"
	EnvDBUser        = "COUNTERCART_DB_USER"
	EnvDBName        = "COUNTERCART_DB_NAME"
	EnvRedisURL      = "COUNTERCART_REDIS_URL"
	EnvInternalToken = "COUNTERCART_INTERNAL_API_TOKEN"
	EnvEncryption    = "COUNTERCART_ENCRYPTION_SECRET"
	EnvRetryAttempts = "COUNTERCART_RETRY_MAX_ATTEMPTS"
	EnvMappingTTL    = "COUNTERCART_MAPPING_CACHE_TTL"
	EnvEveryOrgID    = "COUNTERCART_EVERYORG_PARTNER_ID"
	EnvEveryOrgKey   = "COUNTERCART_EVERYORG_PARTNER_SECRET"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
