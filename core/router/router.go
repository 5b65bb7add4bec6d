// Package router implements RamAPI's compiled router.
//
// Routes resolve through three tiers, cheapest first:
//
//  1. Static routes: an xxhash table keyed by (method, path) - O(1).
//  2. Single-parameter routes (/users/:id, /users/:id/tasks): a linear
//     prefix/suffix scan over a small slice, cache-friendly for the
//     typical-count case.
//  3. Everything else (multi-param, wildcards): a per-segment tree with a
//     trailing wildcard list.
//
// Dynamic match results are cached in a bounded sync.Map so hot dynamic
// paths pay the tree walk once.
//
// Middleware chains are composed at registration time: lookup returns a
// single ready-to-run handler, never a middleware slice.
package router

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	ramhttp "github.com/ramapi/ramapi/core/http"
	"github.com/ramapi/ramapi/core/middleware"
)

// maxCacheEntries bounds the dynamic-route match cache. Inserts stop at the
// cap; lookups past it fall through to the matcher. Insert-only keeps the
// hot path free of eviction bookkeeping.
const maxCacheEntries = 8192

// Route is a registered route with its compiled handler.
type Route struct {
	Method  string
	Pattern string
	handler ramhttp.Handler
}

type staticEntry struct {
	method string
	path   string
	route  *Route
}

type paramRoute struct {
	method    string
	prefix    string // "/users/"
	suffix    string // "" or "/tasks"
	paramName string // "id"
	route     *Route
}

type cachedMatch struct {
	route  *Route
	params map[string]string
}

// Router registers routes and resolves requests to compiled handlers.
type Router struct {
	mu     sync.Mutex
	frozen atomic.Bool

	global []middleware.Middleware

	static      map[uint64][]staticEntry
	paramRoutes []paramRoute
	tree        *segnode
	wildcards   []wildcardRoute

	cache     sync.Map
	cacheSize atomic.Int64

	notFound ramhttp.Handler
	routes   []*Route
}

// New creates an empty router.
func New() *Router {
	return &Router{
		static: make(map[uint64][]staticEntry, 64),
		tree:   newSegnode(),
		notFound: func(ctx *ramhttp.Context) error {
			return ramhttp.NotFound("route not found")
		},
	}
}

// Use appends global middleware. Global middleware must be registered
// before any route: chains are compiled at registration time.
func (r *Router) Use(mws ...middleware.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.routes) > 0 {
		panic("router: Use called after route registration")
	}
	r.global = append(r.global, mws...)
}

// NotFound replaces the handler run when no route matches. Global
// middleware wraps it like any route.
func (r *Router) NotFound(h ramhttp.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notFound = h
}

// Handle registers a route. The final handler is composed from global,
// then per-route middleware, at registration time.
func (r *Router) Handle(method, pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	if pattern == "" || pattern[0] != '/' {
		panic("router: pattern must begin with '/'")
	}
	if h == nil {
		panic("router: nil handler for " + method + " " + pattern)
	}
	if r.frozen.Load() {
		panic("router: route registered after freeze")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	compiled := middleware.NewChain(r.global...).Use(mws...).Then(h)
	route := &Route{Method: method, Pattern: pattern, handler: compiled}
	r.routes = append(r.routes, route)

	switch classify(pattern) {
	case routeStatic:
		r.addStatic(method, pattern, route)
	case routeSingleParam:
		r.addParamRoute(method, pattern, route)
	case routeWildcard:
		r.addWildcard(method, pattern, route)
	default:
		r.tree.add(method, pattern, route)
	}
}

// Verb helpers.

func (r *Router) GET(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("GET", pattern, h, mws...)
}

func (r *Router) POST(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("POST", pattern, h, mws...)
}

func (r *Router) PUT(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("PUT", pattern, h, mws...)
}

func (r *Router) PATCH(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("PATCH", pattern, h, mws...)
}

func (r *Router) DELETE(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("DELETE", pattern, h, mws...)
}

func (r *Router) HEAD(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("HEAD", pattern, h, mws...)
}

func (r *Router) OPTIONS(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	r.Handle("OPTIONS", pattern, h, mws...)
}

// Group returns a registrar that prefixes patterns and prepends middleware.
func (r *Router) Group(prefix string, mws ...middleware.Middleware) *Group {
	return &Group{router: r, prefix: strings.TrimSuffix(prefix, "/"), mws: mws}
}

// Freeze marks registration complete. The engine calls it before serving;
// later Handle calls panic.
func (r *Router) Freeze() {
	r.frozen.Store(true)
}

// Find resolves a request to its route and extracted parameters. Returns
// nil when nothing matches.
func (r *Router) Find(method, path string) (*Route, map[string]string) {
	// Tier 1: static hash table.
	key := staticKey(method, path)
	if bucket, ok := r.static[key]; ok {
		for i := range bucket {
			if bucket[i].method == method && bucket[i].path == path {
				return bucket[i].route, nil
			}
		}
	}

	// Cached dynamic match.
	cacheKey := method + ":" + path
	if v, ok := r.cache.Load(cacheKey); ok {
		m := v.(*cachedMatch)
		return m.route, m.params
	}

	// Tier 2: single-param scan.
	if route, params := r.findParamRoute(method, path); route != nil {
		r.cacheStore(cacheKey, route, params)
		return route, params
	}

	// Tier 3: segment tree, then wildcards.
	if route, params := r.tree.find(method, path); route != nil {
		r.cacheStore(cacheKey, route, params)
		return route, params
	}
	if route, params := r.findWildcard(method, path); route != nil {
		r.cacheStore(cacheKey, route, params)
		return route, params
	}

	return nil, nil
}

// Dispatch runs the matched handler on ctx, or the not-found handler. The
// extracted params and the route pattern are attached before the call.
func (r *Router) Dispatch(ctx *ramhttp.Context) error {
	route, params := r.Find(ctx.Method(), ctx.Path())
	if route == nil {
		return r.notFoundHandler()(ctx)
	}
	ctx.SetRoute(route.Pattern)
	for k, v := range params {
		ctx.SetParam(k, v)
	}
	return route.handler(ctx)
}

func (r *Router) notFoundHandler() ramhttp.Handler {
	// notFound is only mutated before serving; no lock on the hot path.
	return r.notFound
}

// Routes returns the registered routes, for listings and diagnostics.
func (r *Router) Routes() []*Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Route(nil), r.routes...)
}

// ClearCache drops all cached dynamic matches.
func (r *Router) ClearCache() {
	r.cache.Range(func(k, _ any) bool {
		r.cache.Delete(k)
		return true
	})
	r.cacheSize.Store(0)
}

// CacheLen reports the number of cached dynamic matches.
func (r *Router) CacheLen() int {
	return int(r.cacheSize.Load())
}

func (r *Router) cacheStore(key string, route *Route, params map[string]string) {
	if r.cacheSize.Load() >= maxCacheEntries {
		return
	}
	if _, loaded := r.cache.LoadOrStore(key, &cachedMatch{route: route, params: params}); !loaded {
		r.cacheSize.Add(1)
	}
}

// Registration internals

type routeKind int

const (
	routeStatic routeKind = iota
	routeSingleParam
	routeMultiParam
	routeWildcard
)

func classify(pattern string) routeKind {
	if strings.Contains(pattern, "*") {
		return routeWildcard
	}
	switch strings.Count(pattern, ":") {
	case 0:
		return routeStatic
	case 1:
		return routeSingleParam
	default:
		return routeMultiParam
	}
}

func (r *Router) addStatic(method, path string, route *Route) {
	key := staticKey(method, path)
	bucket := r.static[key]
	for i := range bucket {
		if bucket[i].method == method && bucket[i].path == path {
			// Last registration wins, matching map overwrite semantics.
			bucket[i].route = route
			return
		}
	}
	r.static[key] = append(bucket, staticEntry{method: method, path: path, route: route})
}

func (r *Router) addParamRoute(method, pattern string, route *Route) {
	idx := strings.Index(pattern, ":")
	prefix := pattern[:idx]

	rest := pattern[idx:]
	var paramName, suffix string
	if slash := strings.Index(rest, "/"); slash == -1 {
		paramName = rest[1:]
	} else {
		paramName = rest[1:slash]
		suffix = rest[slash:]
	}
	if paramName == "" {
		panic("router: unnamed parameter in " + pattern)
	}

	r.paramRoutes = append(r.paramRoutes, paramRoute{
		method:    method,
		prefix:    prefix,
		suffix:    suffix,
		paramName: paramName,
		route:     route,
	})
}

type wildcardRoute struct {
	method    string
	prefix    string
	paramName string
	route     *Route
}

func (r *Router) addWildcard(method, pattern string, route *Route) {
	idx := strings.Index(pattern, "*")
	if idx != strings.LastIndex(pattern, "*") || strings.Contains(pattern, ":") {
		panic("router: wildcard must be the only parameter in " + pattern)
	}
	if idx+1 >= len(pattern) {
		panic("router: wildcard must be named in " + pattern)
	}
	if strings.Contains(pattern[idx:], "/") {
		panic("router: wildcard is only allowed at the end of " + pattern)
	}

	r.wildcards = append(r.wildcards, wildcardRoute{
		method:    method,
		prefix:    pattern[:idx],
		paramName: pattern[idx+1:],
		route:     route,
	})
}

// Lookup internals

func (r *Router) findParamRoute(method, path string) (*Route, map[string]string) {
	for i := range r.paramRoutes {
		pr := &r.paramRoutes[i]
		if pr.method != method {
			continue
		}
		if len(path) <= len(pr.prefix) || !strings.HasPrefix(path, pr.prefix) {
			continue
		}

		start := len(pr.prefix)
		end := len(path)
		if pr.suffix != "" {
			if !strings.HasSuffix(path, pr.suffix) {
				continue
			}
			end = len(path) - len(pr.suffix)
			if end <= start {
				continue
			}
		}

		value := path[start:end]
		// Params never span or match empty segments.
		if value == "" || strings.IndexByte(value, '/') != -1 {
			continue
		}

		return pr.route, map[string]string{pr.paramName: value}
	}
	return nil, nil
}

func (r *Router) findWildcard(method, path string) (*Route, map[string]string) {
	for i := range r.wildcards {
		w := &r.wildcards[i]
		if w.method != method || !strings.HasPrefix(path, w.prefix) {
			continue
		}
		return w.route, map[string]string{w.paramName: path[len(w.prefix):]}
	}
	return nil, nil
}

func staticKey(method, path string) uint64 {
	// Method and path hashed separately so "GET /ab" and "GE T/ab" cannot
	// collide structurally; bucket entries verify exact equality anyway.
	return xxhash.Sum64String(method) ^ (xxhash.Sum64String(path) << 1)
}

// Group is a sub-registrar sharing the parent router.
type Group struct {
	router *Router
	prefix string
	mws    []middleware.Middleware
}

// Group nests a further prefix and middleware under this group.
func (g *Group) Group(prefix string, mws ...middleware.Middleware) *Group {
	return &Group{
		router: g.router,
		prefix: g.prefix + strings.TrimSuffix(prefix, "/"),
		mws:    append(append([]middleware.Middleware(nil), g.mws...), mws...),
	}
}

// Handle registers a route under the group's prefix with its middleware.
func (g *Group) Handle(method, pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	full := g.prefix + pattern
	all := append(append([]middleware.Middleware(nil), g.mws...), mws...)
	g.router.Handle(method, full, h, all...)
}

func (g *Group) GET(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	g.Handle("GET", pattern, h, mws...)
}

func (g *Group) POST(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	g.Handle("POST", pattern, h, mws...)
}

func (g *Group) PUT(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	g.Handle("PUT", pattern, h, mws...)
}

func (g *Group) PATCH(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	g.Handle("PATCH", pattern, h, mws...)
}

func (g *Group) DELETE(pattern string, h ramhttp.Handler, mws ...middleware.Middleware) {
	g.Handle("DELETE", pattern, h, mws...)
}
