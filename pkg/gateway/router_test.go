package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constHandler(result interface{}) RequestHandler {
	return func(context.Context, map[string]interface{}) (interface{}, error) {
		return result, nil
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.method", constHandler("result")))
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should replace existing method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.replace", constHandler("result1")))
		require.NoError(t, router.RegisterMethod("test.replace", constHandler("result2")))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.replace"})
		assert.Equal(t, "result2", resp.Result)
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should reject empty name", func(t *testing.T) {
		assert.Error(t, router.RegisterMethod("", constHandler(nil)))
	})
}

func TestRPCRouter_UnregisterMethod(t *testing.T) {
	router := NewRPCRouter()

	require.NoError(t, router.RegisterMethod("test.method", constHandler("result")))
	router.UnregisterMethod("test.method")
	assert.False(t, router.HasMethod("test.method"))

	router.UnregisterMethod("non.existent")
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"test.method","params":{"key":"value"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.method", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	tests := []struct {
		name string
		data string
		code int
	}{
		{name: "malformed JSON", data: `{"id":`, code: ParseError},
		{name: "missing id", data: `{"method":"x"}`, code: InvalidRequest},
		{name: "missing method", data: `{"id":"1"}`, code: InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			require.Error(t, err)
			rpcErr, ok := err.(*RPCError)
			require.True(t, ok)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()

	require.NoError(t, router.RegisterMethod("echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{"client": clientIDFromContext(ctx), "value": params["value"]}, nil
	}))
	require.NoError(t, router.RegisterMethod("fail", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	}))
	require.NoError(t, router.RegisterMethod("busy", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: ConversationBusy, Message: "session is busy"}
	}))

	t.Run("passes context and params", func(t *testing.T) {
		ctx := withClientID(context.Background(), "client-1")
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"value": "x"}})

		require.Nil(t, resp.Error)
		assert.Equal(t, "1", resp.ID)
		assert.Equal(t, "2.0", resp.JSONRPC)
		assert.Equal(t, map[string]interface{}{"client": "client-1", "value": "x"}, resp.Result)
	})

	t.Run("method not found", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("plain error maps to internal error", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Equal(t, "boom", resp.Error.Message)
	})

	t.Run("rpc error keeps its code", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "4", Method: "busy"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, ConversationBusy, resp.Error.Code)
	})

	t.Run("nil request", func(t *testing.T) {
		resp := router.RouteRequest(context.Background(), nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()

	calls := 0
	require.NoError(t, router.RegisterMethod("count", func(context.Context, map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	}))

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "count", IdempotencyKey: "k"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "count", IdempotencyKey: "k"})
	third := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "count"})

	assert.Equal(t, 1, first.Result)
	assert.Equal(t, 1, second.Result)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, 2, third.Result)
	assert.Equal(t, 2, calls)

	router.idempotencyTTL = -time.Second
	router.cacheResponse("count:old", RPCResponse{ID: "x"})
	_, ok := router.getCachedResponse("count:old")
	assert.False(t, ok)
}

func TestRPCRouter_GetMethodsSorted(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("b", constHandler(nil)))
	require.NoError(t, router.RegisterMethod("a", constHandler(nil)))

	assert.Equal(t, []string{"a", "b"}, router.GetMethods())
}
