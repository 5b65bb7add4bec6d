package rpc

import (
	"encoding/json"
	"errors"
	"strings"

	ramhttp "github.com/ramapi/ramapi/core/http"
)

// JSON-RPC 2.0 error codes, https://www.jsonrpc.org/specification.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is the structured error carried in error frames and JSON-RPC
// responses.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// errorCode maps registry and codec failures onto JSON-RPC codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrServiceNotFound), errors.Is(err, ErrMethodNotFound):
		return CodeMethodNotFound
	case errors.Is(err, ErrBadArgument), errors.Is(err, ErrUnknownCodec):
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}

func wireError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: errorCode(err), Message: err.Error()}
}

// jsonrpcRequest is a JSON-RPC 2.0 request. ID is a string, number or
// null; a nil ID marks a notification.
type jsonrpcRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

type jsonrpcResponse struct {
	Version string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

func jsonrpcResult(id, result any) *jsonrpcResponse {
	return &jsonrpcResponse{Version: "2.0", Result: result, ID: id}
}

func jsonrpcError(id any, code int, message string) *jsonrpcResponse {
	return &jsonrpcResponse{Version: "2.0", Error: &RPCError{Code: code, Message: message}, ID: id}
}

// HTTPHandler exposes a registry over JSON-RPC 2.0 on an HTTP route.
// Methods are addressed as "Service.Method".
func HTTPHandler(reg *Registry) func(*ramhttp.Context) error {
	return func(ctx *ramhttp.Context) error {
		var req jsonrpcRequest
		if err := json.Unmarshal(ctx.Body(), &req); err != nil {
			return ctx.JSON(200, jsonrpcError(nil, CodeParseError, "parse error"))
		}
		if req.Version != "2.0" || req.Method == "" {
			return ctx.JSON(200, jsonrpcError(req.ID, CodeInvalidRequest, "invalid request"))
		}

		service, method, ok := strings.Cut(req.Method, ".")
		if !ok {
			return ctx.JSON(200, jsonrpcError(req.ID, CodeMethodNotFound, "method not found"))
		}

		m, err := reg.Method(service, method)
		if err != nil {
			return ctx.JSON(200, jsonrpcError(req.ID, CodeMethodNotFound, err.Error()))
		}

		arg := m.NewArg()
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, arg); err != nil {
				return ctx.JSON(200, jsonrpcError(req.ID, CodeInvalidParams, err.Error()))
			}
		}

		reply, err := reg.Call(ctx.Context(), service, method, arg)
		if err != nil {
			return ctx.JSON(200, jsonrpcError(req.ID, errorCode(err), err.Error()))
		}
		if req.ID == nil {
			return ctx.NoContent(204)
		}
		return ctx.JSON(200, jsonrpcResult(req.ID, reply))
	}
}
