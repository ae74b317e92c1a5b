package coordinator

import (
	"net/rpc"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-vdb/internal/rpcapi"
)

func TestRPCServerRegisterNodeAndListNodes(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{ShardCount: 4, ReplicaCount: 1})

	ln, err := Serve(c, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client, err := rpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var regReply rpcapi.RegisterNodeReply
	require.NoError(t, client.Call("Coordinator.RegisterNode", &rpcapi.RegisterNodeArgs{NodeID: "node1", Address: "127.0.0.1:12345"}, &regReply))
	assert.True(t, regReply.Success)

	var listReply rpcapi.ListNodesReply
	require.NoError(t, client.Call("Coordinator.ListNodes", &rpcapi.ListNodesArgs{}, &listReply))
	assert.True(t, listReply.Success)
	assert.Equal(t, "127.0.0.1:12345", listReply.Nodes["node1"])
}

func TestRPCServerPutReturnsUnavailableCodeWithNoMaster(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{ShardCount: 4, ReplicaCount: 1})

	ln, err := Serve(c, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client, err := rpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var reply rpcapi.PutReply
	require.NoError(t, client.Call("Coordinator.Put", &rpcapi.PutArgs{Data: rpcapi.VectorData{Key: "a", Vector: []float32{1, 2}}}, &reply))
	assert.False(t, reply.Success)
	assert.NotEmpty(t, reply.Code)
}

func TestRPCServerPutAndGetRoundTripThroughRealNode(t *testing.T) {
	node := &fakeDataNode{getFound: true, getData: rpcapi.VectorData{Key: "a", Vector: []float32{1, 2}}}
	addr := startFakeDataNode(t, node)

	c, m := newTestCoordinator(t, Config{ShardCount: 1, ReplicaCount: 1})
	require.NoError(t, m.RegisterNode("node1", addr))
	c.Rebalance()

	ln, err := Serve(c, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client, err := rpc.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var putReply rpcapi.PutReply
	require.NoError(t, client.Call("Coordinator.Put", &rpcapi.PutArgs{Data: rpcapi.VectorData{Key: "a", Vector: []float32{1, 2}}}, &putReply))
	require.True(t, putReply.Success)

	var getReply rpcapi.GetReply
	require.NoError(t, client.Call("Coordinator.Get", &rpcapi.GetArgs{Key: "a"}, &getReply))
	require.True(t, getReply.Success)
	assert.Equal(t, []float32{1, 2}, getReply.Data.Vector)

	assert.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return node.putCount == 1
	}, time.Second, 10*time.Millisecond)
}
