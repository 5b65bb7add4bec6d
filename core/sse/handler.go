package sse

import (
	"github.com/google/uuid"

	ramhttp "github.com/ramapi/ramapi/core/http"
)

// Handler returns a route handler that subscribes the caller to the
// broker and streams its events until the client disconnects or the
// broker closes.
//
// The client ID is taken from the clientId query parameter when present.
func Handler(b *Broker) ramhttp.Handler {
	return func(ctx *ramhttp.Context) error {
		clientID := ctx.Query("clientId")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		client, err := b.Subscribe(clientID)
		if err != nil {
			return ramhttp.Unavailable("stream capacity reached").WithCause(err)
		}
		defer b.Unsubscribe(client)

		if err := ctx.WriteRaw([]byte("HTTP/1.1 200 OK\r\n" +
			"Content-Type: text/event-stream\r\n" +
			"Cache-Control: no-cache\r\n" +
			"Connection: keep-alive\r\n\r\n")); err != nil {
			return nil
		}

		var buf []byte
		for {
			select {
			case <-client.Done():
				return nil
			case ev, ok := <-client.Events:
				if !ok {
					return nil
				}
				buf = ev.Append(buf[:0])
				if err := ctx.WriteRaw(buf); err != nil {
					// Peer went away.
					return nil
				}
			}
		}
	}
}
