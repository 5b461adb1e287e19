package config

import (
	"net/url"
	"slices"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	redactURL(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Chains: copy so callers cannot mutate the original through the
	// redacted copy. RPC URLs often carry an API key in the path.
	out.Chains = slices.Clone(cfg.Chains)
	for i := range out.Chains {
		redactURL(&out.Chains[i].RPCURL)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL keeps the scheme and host of a URL and hides everything else
// that may hold credentials. Unparseable values are redacted entirely.
func redactURL(s *string) {
	if *s == "" {
		return
	}
	u, err := url.Parse(*s)
	if err != nil || u.Host == "" {
		*s = redacted
		return
	}
	*s = u.Scheme + "://" + u.Host + "/" + redacted
}
