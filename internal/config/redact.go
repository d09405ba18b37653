package config

import "net/url"

const redactedValue = "xxxxx"

// Redacted returns a copy safe to print: connection string passwords and
// static credentials are masked.
func (c Config) Redacted() Config {
	out := c
	out.Database.URL = redactURL(c.Database.URL)
	out.Redis.URL = redactURL(c.Redis.URL)
	if out.Export.S3.SecretAccessKey != "" {
		out.Export.S3.SecretAccessKey = redactedValue
	}
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactedValue
	}
	return u.Redacted()
}
