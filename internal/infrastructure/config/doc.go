// Package config provides 12-factor configuration management for the plugin host.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Sandbox: per-task and per-load limits, eval hatch, resize forwarding
//   - Source: remote script fetching (timeouts, retries, size cap, file URLs)
//   - Plugins: plugin directory and hot reload
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s\n", cfg.Server.Addr())
//
// Environment Variables:
//   - PORT, HOST
//   - SANDBOX_EXEC_TIMEOUT, SANDBOX_LOAD_TIMEOUT, SANDBOX_MAX_CALL_STACK,
//     SANDBOX_ENABLE_EVAL, SANDBOX_FORWARD_RESIZE, SANDBOX_SANITIZE_HTML
//   - SOURCE_TIMEOUT, SOURCE_RETRIES, SOURCE_MAX_BYTES, SOURCE_ALLOW_FILE, SOURCE_USER_AGENT
//   - PLUGINS_DIR, PLUGINS_WATCH
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
