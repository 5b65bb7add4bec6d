/*
Package ramapi provides a high-performance HTTP API framework for Go.

RamAPI is built around three ideas: routes are compiled, not interpreted
(static routes resolve through an O(1) hash table, dynamic routes through a
cached matcher); middleware chains are composed once at registration time
into a single handler; and every request carries a profiling span so the
framework can render a waterfall view of where time went.

Features

  - Routing: O(1) static lookup, single-param fast path, radix fallback,
    bounded match cache for dynamic routes
  - Pre-compiled middleware chains with recovery, logging, metrics, CORS,
    rate limiting, timeouts and body limits built in
  - Error contract: handlers return error; *HTTPError values map to status
    codes and a structured JSON envelope
  - JWT authentication: strict HS256 sign/verify with access+refresh pairs
  - Observability: per-request spans, trace waterfalls under /profile,
    Prometheus metrics, optional OTLP export, structured zerolog logging
  - Protocol adapters: WebSocket, Server-Sent Events, binary RPC with
    JSON/gob/protobuf codecs, HTTP/2 (h2c)
  - Engine: epoll/kqueue event loop with pooled requests, contexts and
    buffers, keep-alive handling and graceful drain

Quick Start

	package main

	import (
	    "github.com/ramapi/ramapi/app"
	    "github.com/ramapi/ramapi/config"
	    ramhttp "github.com/ramapi/ramapi/core/http"
	)

	func main() {
	    cfg, err := config.Load("")
	    if err != nil {
	        panic(err)
	    }
	    application, err := app.New(cfg)
	    if err != nil {
	        panic(err)
	    }

	    r := application.Router()
	    r.GET("/tasks/:id", func(ctx *ramhttp.Context) error {
	        return ctx.JSON(200, map[string]string{"id": ctx.Param("id")})
	    })

	    if err := application.Run(); err != nil {
	        panic(err)
	    }
	}

Modules

  - app: application lifecycle and graceful shutdown
  - config: defaults, YAML/TOML files, env overrides, hot reload
  - core: the HTTP engine and event loop
  - core/http: request parsing, Context, the HTTPError contract
  - core/router: route registration and lookup
  - core/middleware: chain composition and built-in middleware
  - core/auth: JWT service and auth middleware
  - core/observability: spans, waterfalls, stats, Prometheus, OTLP bridge
  - core/pools: byte and worker pools
  - core/sse, core/websocket, core/rpc, core/http2: protocol adapters
  - log: shared zerolog configuration and context correlation
*/
package ramapi
