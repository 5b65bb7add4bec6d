package websocket

import (
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	ramhttp "github.com/ramapi/ramapi/core/http"
)

// Handler returns a route handler that upgrades the request and registers
// the connection with the hub. It blocks until the client disconnects.
func Handler(hub *Hub) ramhttp.Handler {
	return func(ctx *ramhttp.Context) error {
		req := ctx.Request()
		if !tokenListContains(headerValue(req, "Upgrade"), "websocket") ||
			!tokenListContains(req.Connection, "upgrade") {
			return ramhttp.BadRequest("not a websocket upgrade request")
		}
		if v := headerValue(req, "Sec-WebSocket-Version"); v != "13" {
			return ramhttp.BadRequest("unsupported websocket version").
				WithDetails(map[string]any{"supported": "13"})
		}
		key := headerValue(req, "Sec-WebSocket-Key")
		if key == "" {
			return ramhttp.BadRequest("missing Sec-WebSocket-Key")
		}

		if err := ctx.WriteRaw([]byte("HTTP/1.1 101 Switching Protocols\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n\r\n")); err != nil {
			return nil
		}

		fd := ctx.Hijack()
		if fd < 0 {
			return ramhttp.Internal("connection cannot be hijacked")
		}

		// Duplicate the descriptor into the runtime's netpoller so the
		// frame codec gets blocking reads. The engine keeps ownership of
		// the original fd.
		dupFd, err := unix.Dup(fd)
		if err != nil {
			return nil
		}
		file := os.NewFile(uintptr(dupFd), "websocket")
		netConn, err := net.FileConn(file)
		file.Close()
		if err != nil {
			return nil
		}

		clientID := ctx.Query("clientId")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		client, err := hub.Register(clientID, NewConn(netConn))
		if err != nil {
			netConn.Close()
			return nil
		}

		<-client.done
		return nil
	}
}

// headerValue looks a header up case-insensitively across the request's
// hot fields and extras.
func headerValue(req *ramhttp.Request, name string) string {
	if v := req.Header(name); v != "" {
		return v
	}
	for k, v := range req.ExtraHeaders {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// tokenListContains reports whether a comma-separated header value
// contains the token, ignoring case.
func tokenListContains(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
