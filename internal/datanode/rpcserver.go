package datanode

import (
	"net"
	"net/rpc"

	"distributed-vdb/internal/logx"
	"distributed-vdb/internal/rpcapi"
	"distributed-vdb/internal/vdberr"
	"distributed-vdb/internal/wal"
)

// RPCServer adapts a Handler to the net/rpc calling convention described by
// rpcapi: one exported method per data-node RPC, each taking (*Args,
// *Reply) and returning error.
type RPCServer struct {
	h *Handler
}

// NewRPCServer wraps h for registration with net/rpc.
func NewRPCServer(h *Handler) *RPCServer { return &RPCServer{h: h} }

// Serve registers the server under the name "DataNode" and accepts
// connections on addr until the listener is closed.
func Serve(h *Handler, addr string) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("DataNode", NewRPCServer(h)); err != nil {
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
	logx.WithComponent("datanode").Info().Str("addr", addr).Msg("rpc server listening")
	return ln, nil
}

func fillCode(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	return vdberr.Code(err), err.Error()
}

func (s *RPCServer) Put(args *rpcapi.PutArgs, reply *rpcapi.PutReply) error {
	rec, err := s.h.Put(Record{
		Key:       args.Data.Key,
		Vector:    args.Data.Vector,
		Metadata:  args.Data.Metadata,
		Timestamp: args.Data.Timestamp,
	}, args.ReplayMode)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	if err == nil {
		reply.Clock = rec.Clock
	}
	return nil
}

func (s *RPCServer) Delete(args *rpcapi.DeleteArgs, reply *rpcapi.DeleteReply) error {
	err := s.h.Delete(args.Key, args.ReplayMode)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	return nil
}

func (s *RPCServer) Get(args *rpcapi.GetArgs, reply *rpcapi.GetReply) error {
	rec, err := s.h.Get(args.Key)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	if err == nil {
		reply.Data = rpcapi.VectorData{Key: rec.Key, Vector: rec.Vector, Metadata: rec.Metadata, Timestamp: rec.Timestamp}
	}
	return nil
}

func (s *RPCServer) Search(args *rpcapi.SearchArgs, reply *rpcapi.SearchReply) error {
	req := SearchRequest{QueryVector: args.QueryVector, TopK: args.TopK, Filter: args.Filter}
	if args.HasThreshold {
		req.Threshold = args.Threshold
	}
	hits, err := s.h.Search(req)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	for _, hit := range hits {
		reply.Hits = append(reply.Hits, rpcapi.SearchHit{Key: hit.Key, Score: hit.Score, Vector: hit.Vector})
	}
	return nil
}

func (s *RPCServer) Replicate(args *rpcapi.ReplicateArgs, reply *rpcapi.ReplicateReply) error {
	entry := wal.Entry{
		OpType:    wal.OpType(args.OpType),
		Key:       args.Data.Key,
		Vector:    args.Data.Vector,
		Metadata:  args.Data.Metadata,
		Timestamp: args.Data.Timestamp,
		NodeID:    s.h.NodeID(),
		Clock:     args.Clock,
	}
	if args.OpType == string(wal.OpDelete) {
		entry.Key = args.Key
	}
	err := s.h.Replicate(entry)
	reply.Code, reply.Message = fillCode(err)
	reply.Success = err == nil
	return nil
}

func (s *RPCServer) Offline(args *rpcapi.OfflineArgs, reply *rpcapi.OfflineReply) error {
	s.h.MarkOffline()
	reply.Success = true
	return nil
}

func (s *RPCServer) ReplayWAL(args *rpcapi.ReplayWALArgs, reply *rpcapi.ReplayWALReply) error {
	if err := s.h.ReplayWAL(); err != nil {
		reply.Success = false
		reply.Message = err.Error()
		return nil
	}
	reply.Success = true
	return nil
}
