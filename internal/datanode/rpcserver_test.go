package datanode

import (
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-vdb/internal/rpcapi"
)

func startTestRPCServer(t *testing.T, h *Handler) *rpc.Client {
	t.Helper()
	ln, err := Serve(h, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client, err := rpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRPCServerPutGetDeleteRoundTrip(t *testing.T) {
	h := openTestHandler(t)
	client := startTestRPCServer(t, h)

	var putReply rpcapi.PutReply
	require.NoError(t, client.Call("DataNode.Put", &rpcapi.PutArgs{Data: rpcapi.VectorData{Key: "a", Vector: []float32{1, 2}}}, &putReply))
	assert.True(t, putReply.Success)

	var getReply rpcapi.GetReply
	require.NoError(t, client.Call("DataNode.Get", &rpcapi.GetArgs{Key: "a"}, &getReply))
	require.True(t, getReply.Success)
	assert.Equal(t, []float32{1, 2}, getReply.Data.Vector)

	var delReply rpcapi.DeleteReply
	require.NoError(t, client.Call("DataNode.Delete", &rpcapi.DeleteArgs{Key: "a"}, &delReply))
	assert.True(t, delReply.Success)

	var getReply2 rpcapi.GetReply
	require.NoError(t, client.Call("DataNode.Get", &rpcapi.GetArgs{Key: "a"}, &getReply2))
	assert.False(t, getReply2.Success)
	assert.Equal(t, "NotFound", getReply2.Code)
}

func TestRPCServerSearchReturnsHits(t *testing.T) {
	h := openTestHandler(t)
	client := startTestRPCServer(t, h)

	var putReply rpcapi.PutReply
	require.NoError(t, client.Call("DataNode.Put", &rpcapi.PutArgs{Data: rpcapi.VectorData{Key: "a", Vector: []float32{0, 0}}}, &putReply))
	require.True(t, putReply.Success)

	var searchReply rpcapi.SearchReply
	require.NoError(t, client.Call("DataNode.Search", &rpcapi.SearchArgs{QueryVector: []float32{0, 0}, TopK: 1}, &searchReply))
	require.True(t, searchReply.Success)
	require.Len(t, searchReply.Hits, 1)
	assert.Equal(t, "a", searchReply.Hits[0].Key)
}

func TestRPCServerReplicateAppliesEntry(t *testing.T) {
	h := openTestHandler(t)
	client := startTestRPCServer(t, h)

	var reply rpcapi.ReplicateReply
	require.NoError(t, client.Call("DataNode.Replicate", &rpcapi.ReplicateArgs{
		OpType: "PUT",
		Data:   rpcapi.VectorData{Key: "b", Vector: []float32{3, 4}},
	}, &reply))
	assert.True(t, reply.Success)

	got, err := h.Get("b")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got.Vector)
}

func TestRPCServerOfflineDemotesNode(t *testing.T) {
	h := openTestHandler(t)
	client := startTestRPCServer(t, h)

	var reply rpcapi.OfflineReply
	require.NoError(t, client.Call("DataNode.Offline", &rpcapi.OfflineArgs{}, &reply))
	assert.True(t, reply.Success)

	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	assert.Error(t, err)
}

func TestRPCServerReplayWALReappliesEntries(t *testing.T) {
	h := openTestHandler(t)
	_, err := h.Put(Record{Key: "a", Vector: []float32{1, 2}}, false)
	require.NoError(t, err)
	client := startTestRPCServer(t, h)

	var reply rpcapi.ReplayWALReply
	require.NoError(t, client.Call("DataNode.ReplayWAL", &rpcapi.ReplayWALArgs{}, &reply))
	assert.True(t, reply.Success)

	got, err := h.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got.Vector)
}
