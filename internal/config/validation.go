package config

import "fmt"

func (c *Config) Validate() error {
	if len(c.Couch.Databases) == 0 {
		return fmt.Errorf("at least one database is required (couch.databases)")
	}
	seen := make(map[string]bool)
	for _, db := range c.Couch.Databases {
		if db == "" {
			return fmt.Errorf("database names must not be empty")
		}
		if seen[db] {
			return fmt.Errorf("database %q is listed twice", db)
		}
		seen[db] = true
	}
	if c.Couch.Host == "" {
		return fmt.Errorf("couch.host is required")
	}
	if c.Couch.Port < 1 || c.Couch.Port > 65535 {
		return fmt.Errorf("couch.port must be in 1..65535, got %d", c.Couch.Port)
	}
	if c.Couch.HeartbeatMS < 0 || c.Couch.TimeoutMS < 0 {
		return fmt.Errorf("heartbeat_ms and timeout_ms must not be negative")
	}
	if c.Feed.ReconnectDelaySec < 0 {
		return fmt.Errorf("feed.reconnect_delay_sec must not be negative")
	}
	if c.Couch.CAFile != "" && !c.Couch.Secure {
		return fmt.Errorf("couch.ca_file requires couch.secure")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required when the server is enabled")
	}
	return nil
}
