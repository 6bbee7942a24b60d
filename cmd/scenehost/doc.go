// Package main is the scenehost command.
//
// scenehost runs scene plugins in isolated JavaScript realms and presents each one as a
// frame: rendered UI, size, visibility and a message channel to the host page.
//
// Usage:
//
//	# Serve the HTTP and WebSocket API, mounting every plugin below ./plugins
//	scenehost serve --plugins ./plugins --watch
//
//	# Run one plugin headless and print its frame events as JSON lines
//	scenehost run ./storytelling/panel.js --stdin
//
// Configuration comes from the environment (PORT, PLUGINS_DIR, SANDBOX_*, SOURCE_*,
// LOG_LEVEL, ...). Flags override it.
package main
