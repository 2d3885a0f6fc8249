package config

const redacted = "***"

// RedactedConfig returns a copy of cfg with secrets masked, for logging.
// Slices are copied so the result cannot alias cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Security.CredentialSecret)
	redact(&out.Security.WebhookSecret)
	redact(&out.Security.APIKey)

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
