package graphdevice

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
)

// The RPC args/reply types below exist only to give net/rpc something to
// gob-encode; they carry no behavior. There is one args/reply pair per
// method of the device contract.

type newPoolArgs struct{ Device int }
type newPoolReply struct{ Pool PoolID }

type captureBeginArgs struct {
	Device int
	Pool   PoolID
}
type captureBeginReply struct{ Graph GraphID }

type captureEndArgs struct {
	Device int
	Graph  GraphID
}
type captureEndReply struct{}

type replayArgs struct{ Graph GraphID }
type replayReply struct{}

type destroyGraphArgs struct{ Graph GraphID }
type destroyGraphReply struct{}

type snapshotArgs struct {
	Device int
	Pool   PoolID
}
type snapshotReply struct{ State CheckpointState }

type restoreArgs struct {
	Device int
	State  CheckpointState
	Stale  []uint64
	Live   []uint64
}
type restoreReply struct{}

type rawFreeArgs struct{ Addr uint64 }
type rawFreeReply struct{}

type poolSegmentsArgs struct{ Pool PoolID }
type poolSegmentsReply struct{ Segments []Segment }

type clearCachesArgs struct{}
type clearCachesReply struct{}

type constructStorageArgs struct {
	Device  int
	Address uint64
	Nbytes  uint64
}
type constructStorageReply struct{ Storage Storage }

type allocArgs struct {
	Device int
	Pool   PoolID
	Nbytes uint64
}
type allocReply struct{ Addr uint64 }

type synchronizeArgs struct{ Device int }
type synchronizeReply struct{}

// Service wraps a Client implementation for use as a net/rpc service. It
// is the server-side half of the graphdevice wire protocol, exposed by
// cmd/cudagraphtreesd. It ignores the context net/rpc does not carry:
// each call is given context.Background(), since net/rpc has no
// built-in per-call deadline propagation.
type Service struct {
	delegate Client
}

// NewService wraps delegate (typically a real-device implementation
// running in the same process as the RPC server) for net/rpc export.
func NewService(delegate Client) *Service {
	return &Service{delegate: delegate}
}

func (s *Service) NewPool(args newPoolArgs, reply *newPoolReply) error {
	pool, err := s.delegate.NewPool(context.Background(), args.Device)
	if err != nil {
		return err
	}
	reply.Pool = pool
	return nil
}

func (s *Service) CaptureBegin(args captureBeginArgs, reply *captureBeginReply) error {
	graph, err := s.delegate.CaptureBegin(context.Background(), args.Device, args.Pool)
	if err != nil {
		return err
	}
	reply.Graph = graph
	return nil
}

func (s *Service) CaptureEnd(args captureEndArgs, reply *captureEndReply) error {
	return s.delegate.CaptureEnd(context.Background(), args.Device, args.Graph)
}

func (s *Service) Replay(args replayArgs, reply *replayReply) error {
	return s.delegate.Replay(context.Background(), args.Graph)
}

func (s *Service) DestroyGraph(args destroyGraphArgs, reply *destroyGraphReply) error {
	return s.delegate.DestroyGraph(context.Background(), args.Graph)
}

func (s *Service) Snapshot(args snapshotArgs, reply *snapshotReply) error {
	state, err := s.delegate.Snapshot(context.Background(), args.Device, args.Pool)
	if err != nil {
		return err
	}
	reply.State = state
	return nil
}

func (s *Service) Restore(args restoreArgs, reply *restoreReply) error {
	return s.delegate.Restore(context.Background(), args.Device, args.State, args.Stale, args.Live)
}

func (s *Service) RawFree(args rawFreeArgs, reply *rawFreeReply) error {
	return s.delegate.RawFree(context.Background(), args.Addr)
}

func (s *Service) PoolSegments(args poolSegmentsArgs, reply *poolSegmentsReply) error {
	segments, err := s.delegate.PoolSegments(context.Background(), args.Pool)
	if err != nil {
		return err
	}
	reply.Segments = segments
	return nil
}

func (s *Service) ClearComputeLibraryCaches(args clearCachesArgs, reply *clearCachesReply) error {
	return s.delegate.ClearComputeLibraryCaches(context.Background())
}

func (s *Service) ConstructStorage(args constructStorageArgs, reply *constructStorageReply) error {
	storage, err := s.delegate.ConstructStorage(context.Background(), args.Device, args.Address, args.Nbytes)
	if err != nil {
		return err
	}
	reply.Storage = storage
	return nil
}

func (s *Service) Alloc(args allocArgs, reply *allocReply) error {
	addr, err := s.delegate.Alloc(context.Background(), args.Device, args.Pool, args.Nbytes)
	if err != nil {
		return err
	}
	reply.Addr = addr
	return nil
}

func (s *Service) Synchronize(args synchronizeArgs, reply *synchronizeReply) error {
	return s.delegate.Synchronize(context.Background(), args.Device)
}

// RemoteClient implements Client by calling a remote Service over
// net/rpc.
type RemoteClient struct {
	client *rpc.Client
}

// DialHTTP connects to a device server listening on network/address
// over net/rpc's HTTP transport.
func DialHTTP(network, address string) (*RemoteClient, error) {
	client, err := rpc.DialHTTP(network, address)
	if err != nil {
		return nil, err
	}
	return &RemoteClient{client: client}, nil
}

var _ Client = (*RemoteClient)(nil)

func (c *RemoteClient) call(ctx context.Context, serviceMethod string, args, reply interface{}) error {
	done := make(chan error, 1)
	call := c.client.Go(serviceMethod, args, reply, nil)
	go func() {
		<-call.Done
		done <- call.Error
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %v", serviceMethod, ErrUnreachable, ctx.Err())
	case err := <-done:
		if errors.Is(err, rpc.ErrShutdown) {
			return fmt.Errorf("%s: %w: %v", serviceMethod, ErrUnreachable, err)
		}
		return err
	}
}

func (c *RemoteClient) NewPool(ctx context.Context, device int) (PoolID, error) {
	var reply newPoolReply
	err := c.call(ctx, "Service.NewPool", newPoolArgs{Device: device}, &reply)
	return reply.Pool, err
}

func (c *RemoteClient) CaptureBegin(ctx context.Context, device int, pool PoolID) (GraphID, error) {
	var reply captureBeginReply
	err := c.call(ctx, "Service.CaptureBegin", captureBeginArgs{Device: device, Pool: pool}, &reply)
	return reply.Graph, err
}

func (c *RemoteClient) CaptureEnd(ctx context.Context, device int, graph GraphID) error {
	return c.call(ctx, "Service.CaptureEnd", captureEndArgs{Device: device, Graph: graph}, &captureEndReply{})
}

func (c *RemoteClient) Replay(ctx context.Context, graph GraphID) error {
	return c.call(ctx, "Service.Replay", replayArgs{Graph: graph}, &replayReply{})
}

func (c *RemoteClient) DestroyGraph(ctx context.Context, graph GraphID) error {
	return c.call(ctx, "Service.DestroyGraph", destroyGraphArgs{Graph: graph}, &destroyGraphReply{})
}

func (c *RemoteClient) Snapshot(ctx context.Context, device int, pool PoolID) (CheckpointState, error) {
	var reply snapshotReply
	err := c.call(ctx, "Service.Snapshot", snapshotArgs{Device: device, Pool: pool}, &reply)
	return reply.State, err
}

func (c *RemoteClient) Restore(ctx context.Context, device int, state CheckpointState, stale, live []uint64) error {
	return c.call(ctx, "Service.Restore", restoreArgs{Device: device, State: state, Stale: stale, Live: live}, &restoreReply{})
}

func (c *RemoteClient) RawFree(ctx context.Context, addr uint64) error {
	return c.call(ctx, "Service.RawFree", rawFreeArgs{Addr: addr}, &rawFreeReply{})
}

func (c *RemoteClient) PoolSegments(ctx context.Context, pool PoolID) ([]Segment, error) {
	var reply poolSegmentsReply
	err := c.call(ctx, "Service.PoolSegments", poolSegmentsArgs{Pool: pool}, &reply)
	return reply.Segments, err
}

func (c *RemoteClient) ClearComputeLibraryCaches(ctx context.Context) error {
	return c.call(ctx, "Service.ClearComputeLibraryCaches", clearCachesArgs{}, &clearCachesReply{})
}

func (c *RemoteClient) ConstructStorage(ctx context.Context, device int, address uint64, nbytes uint64) (Storage, error) {
	var reply constructStorageReply
	err := c.call(ctx, "Service.ConstructStorage", constructStorageArgs{Device: device, Address: address, Nbytes: nbytes}, &reply)
	return reply.Storage, err
}

func (c *RemoteClient) Alloc(ctx context.Context, device int, pool PoolID, nbytes uint64) (uint64, error) {
	var reply allocReply
	err := c.call(ctx, "Service.Alloc", allocArgs{Device: device, Pool: pool, Nbytes: nbytes}, &reply)
	return reply.Addr, err
}

func (c *RemoteClient) Synchronize(ctx context.Context, device int) error {
	return c.call(ctx, "Service.Synchronize", synchronizeArgs{Device: device}, &synchronizeReply{})
}

// ErrUnreachable wraps any transport-level failure talking to the device
// server. It is always fatal to the in-flight Run: there is no sibling to
// fall back to once the device itself cannot be reached.
var ErrUnreachable = errors.New("graphdevice: backend unreachable")
