package coordinator

import (
	"net"
	"net/rpc"

	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/rpcapi"
	"distributed-vdb/internal/vdberr"
)

// RPCServer adapts a Coordinator to the net/rpc calling convention: the same
// (*Args, *Reply) error shape as datanode.RPCServer, so that a caller talks
// to a coordinator exactly as it would talk to a data node directly. This is
// the storage engine's primary client surface; any HTTP or CLI wrapper
// around it is an external front-end the spec leaves unspecified.
type RPCServer struct {
	c *Coordinator
}

// NewRPCServer wraps c for registration with net/rpc.
func NewRPCServer(c *Coordinator) *RPCServer { return &RPCServer{c: c} }

// Serve registers the server under the name "Coordinator" and accepts
// connections on addr until the listener is closed.
func Serve(c *Coordinator, addr string) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Coordinator", NewRPCServer(c)); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(conn)
		}
	}()
	logx.WithComponent("coordinator").Info().Str("addr", addr).Msg("rpc server listening")
	return ln, nil
}

func fillCode(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return vdberr.Code(err), err.Error()
}

func (s *RPCServer) Put(args *rpcapi.PutArgs, reply *rpcapi.PutReply) error {
	err := s.c.Put(args.Data)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	return nil
}

func (s *RPCServer) Delete(args *rpcapi.DeleteArgs, reply *rpcapi.DeleteReply) error {
	err := s.c.Delete(args.Key)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	return nil
}

func (s *RPCServer) Get(args *rpcapi.GetArgs, reply *rpcapi.GetReply) error {
	data, err := s.c.Get(args.Key)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	if err == nil {
		reply.Data = data
	}
	return nil
}

func (s *RPCServer) Search(args *rpcapi.SearchArgs, reply *rpcapi.SearchReply) error {
	req := SearchRequest{QueryVector: args.QueryVector, TopK: args.TopK, Filter: args.Filter}
	if args.HasThreshold {
		req.Threshold = args.Threshold
	}
	hits, err := s.c.Search(req)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	reply.Hits = hits
	return nil
}

func (s *RPCServer) RegisterNode(args *rpcapi.RegisterNodeArgs, reply *rpcapi.RegisterNodeReply) error {
	err := s.c.RegisterNode(args.NodeID, args.Address)
	if err != nil {
		reply.Success = false
		reply.Message = err.Error()
		return nil
	}
	reply.Success = true
	return nil
}

func (s *RPCServer) ListNodes(args *rpcapi.ListNodesArgs, reply *rpcapi.ListNodesReply) error {
	reply.Success = true
	reply.Nodes = s.c.ListNodes()
	return nil
}
