package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	ramhttp "github.com/ramapi/ramapi/core/http"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startServer runs a Calculator server on a loopback listener and tears
// it down with the test.
func startServer(t *testing.T, opts ...ServerOption) (*Server, string) {
	t.Helper()

	srv := NewServer(opts...)
	require.NoError(t, srv.Register("Calc", Calculator{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		assert.ErrorIs(t, <-served, ErrServerClosed)
	})

	return srv, ln.Addr().String()
}

func dialClient(t *testing.T, addr string, opts ...ClientOption) *Client {
	t.Helper()
	client, err := Dial(addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Close()) })
	return client
}

func TestClientCall(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr)

	var reply CalcReply
	err := client.Call(context.Background(), "Calc", "Add", &CalcArgs{A: 20, B: 22}, &reply)
	require.NoError(t, err)
	assert.Equal(t, 42, reply.Sum)
}

func TestClientCallMethodError(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr)

	var reply CalcReply
	err := client.Call(context.Background(), "Calc", "Div", &CalcArgs{A: 1, B: 0}, &reply)
	require.Error(t, err)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInternalError, rpcErr.Code)
	assert.Equal(t, errDivideByZero.Error(), rpcErr.Message)
}

func TestClientCallUnknownMethod(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr)

	var reply CalcReply
	err := client.Call(context.Background(), "Calc", "Sub", &CalcArgs{}, &reply)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestClientPipelinedCalls(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var reply CalcReply
			err := client.Call(context.Background(), "Calc", "Add", &CalcArgs{A: n, B: n}, &reply)
			assert.NoError(t, err)
			assert.Equal(t, 2*n, reply.Sum)
		}(i)
	}
	wg.Wait()
}

func TestClientGobCodec(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr, WithClientCodec(Gob))

	var reply CalcReply
	err := client.Call(context.Background(), "Calc", "Add", &CalcArgs{A: 5, B: 7}, &reply)
	require.NoError(t, err)
	assert.Equal(t, 12, reply.Sum)
}

func TestClientPing(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx))
}

func TestClientNotify(t *testing.T) {
	_, addr := startServer(t)
	client := dialClient(t, addr)

	require.NoError(t, client.Notify("Calc", "Add", &CalcArgs{A: 1, B: 1}))

	// The connection must still work for regular calls afterwards.
	var reply CalcReply
	err := client.Call(context.Background(), "Calc", "Add", &CalcArgs{A: 1, B: 2}, &reply)
	require.NoError(t, err)
	assert.Equal(t, 3, reply.Sum)
}

func TestClientCallAfterClose(t *testing.T) {
	_, addr := startServer(t)
	client, err := Dial(addr)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	var reply CalcReply
	err = client.Call(context.Background(), "Calc", "Add", &CalcArgs{A: 1, B: 2}, &reply)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestServerStats(t *testing.T) {
	srv, addr := startServer(t)
	dialClient(t, addr)

	var reply CalcReply
	client := dialClient(t, addr)
	require.NoError(t, client.Call(context.Background(), "Calc", "Add", &CalcArgs{A: 1, B: 1}, &reply))

	require.Eventually(t, func() bool {
		return srv.Stats()["connections"] == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Stats()["services"])
}

// doJSONRPC runs one JSON-RPC request through the HTTP handler and
// returns the decoded response body.
func doJSONRPC(t *testing.T, reg *Registry, body string) (*jsonrpcResponse, int) {
	t.Helper()

	var buf bytes.Buffer
	req := ramhttp.AcquireRequest()
	req.Method = "POST"
	req.Path = "/rpc"
	req.Body = []byte(body)
	ctx := ramhttp.AcquireContextForWriter(&buf, req)
	t.Cleanup(func() { ramhttp.ReleaseContext(ctx) })

	require.NoError(t, HTTPHandler(reg)(ctx))

	status := ctx.Status()
	raw := buf.Bytes()
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	require.GreaterOrEqual(t, idx, 0)
	payload := raw[idx+4:]
	if len(payload) == 0 {
		return nil, status
	}

	var resp jsonrpcResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	return &resp, status
}

func TestHTTPHandlerCall(t *testing.T) {
	reg := newCalcRegistry(t)

	resp, status := doJSONRPC(t, reg, `{"jsonrpc":"2.0","method":"Calc.Add","params":{"a":4,"b":5},"id":1}`)
	assert.Equal(t, 200, status)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(1), resp.ID)

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":9}`, string(result))
}

func TestHTTPHandlerErrors(t *testing.T) {
	reg := newCalcRegistry(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{nope`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"Calc.Add","id":1}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"unqualified method", `{"jsonrpc":"2.0","method":"Add","id":1}`, CodeMethodNotFound},
		{"unknown service", `{"jsonrpc":"2.0","method":"Nope.Add","id":1}`, CodeMethodNotFound},
		{"bad params", `{"jsonrpc":"2.0","method":"Calc.Add","params":[1],"id":1}`, CodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, status := doJSONRPC(t, reg, tt.body)
			assert.Equal(t, 200, status)
			require.NotNil(t, resp)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHTTPHandlerNotification(t *testing.T) {
	reg := newCalcRegistry(t)

	resp, status := doJSONRPC(t, reg, `{"jsonrpc":"2.0","method":"Calc.Add","params":{"a":1,"b":2},"id":null}`)
	assert.Equal(t, 204, status)
	assert.Nil(t, resp)
}
