/*
Package monitoring provides metrics collection for the plugin host.

# Overview

Metrics live on a private Prometheus registry, so several hosts (and tests) can exist in
one process. A nil *Metrics is accepted everywhere and records nothing.

# Features

- HTTP request metrics (latency, throughput)
- Plugin loads by source kind and result, load latency
- Messages crossing the sandbox boundary by direction
- Auto-resize reports and property override updates
- Remote source fetches
- WebSocket connection metrics

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
