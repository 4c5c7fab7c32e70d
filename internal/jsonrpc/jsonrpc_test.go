package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequest_NilParamsIsEmptyArray(t *testing.T) {
	req, err := NewRequest("server.ping", nil, NewIDInt(7))
	require.NoError(t, err)
	data, err := req.Bytes()
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","method":"server.ping","params":[],"id":7}`, string(data))
	require.NoError(t, req.Validate())
}

func TestParseMessage_ResponseAndNotification(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":3,"result":"abc"}`))
	require.NoError(t, err)
	require.False(t, msg.IsNotification())
	id, ok := msg.ID.Int64()
	require.True(t, ok)
	require.Equal(t, int64(3), id)

	var s string
	require.NoError(t, msg.Response().GetResultAs(&s))
	require.Equal(t, "abc", s)

	msg, err = ParseMessage([]byte(`{"jsonrpc":"2.0","method":"blockchain.scripthash.subscribe","params":["aa11","status"]}`))
	require.NoError(t, err)
	require.True(t, msg.IsNotification())
	key, ok := FirstParam(msg.Notification().Params)
	require.True(t, ok)
	require.Equal(t, "aa11", key)
}

func TestParseMessage_Error(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":1,"message":"the transaction was rejected"}}`))
	require.NoError(t, err)
	resp := msg.Response()
	require.True(t, resp.HasError())
	require.Equal(t, "rpc error 1: the transaction was rejected", resp.Error.Error())

	_, err = ParseMessage([]byte(`{not json`))
	require.Error(t, err)
}

func TestFirstParam_NotString(t *testing.T) {
	_, ok := FirstParam(json.RawMessage(`[{"height":1}]`))
	require.False(t, ok)
	_, ok = FirstParam(json.RawMessage(`[]`))
	require.False(t, ok)
}
