// Package debugrpc exposes a running TreeManager's diagnostics over
// net/rpc for cudagraphctl, the same Service/RemoteClient shape
// graphdevice uses for its own wire protocol.
package debugrpc

import (
	"bytes"
	"net/rpc"

	"github.com/nicolagi/cudagraphtrees/container"
)

// StatsArgs carries no data; it exists only for net/rpc's method
// signature requirements.
type StatsArgs struct{}

// StatsReply is a snapshot of one device's container and, if it has
// constructed a manager, that manager's counters.
type StatsReply struct {
	LiveCallables           int
	LiveStorages            int
	HasManager              bool
	RootCount               int
	DebugFailCount          uint64
	DebugCheckpointingCount uint64
}

// DumpArgs carries no data.
type DumpArgs struct{}

// DumpReply carries the text of Manager.DumpTree, or an empty string if
// no manager has been constructed yet.
type DumpReply struct {
	Text string
}

// Service wraps a Container for net/rpc export.
type Service struct {
	c *container.Container
}

// NewService wraps c for net/rpc export.
func NewService(c *container.Container) *Service {
	return &Service{c: c}
}

// Stats answers with the container's reference counts and, if present,
// its manager's counters.
func (s *Service) Stats(args StatsArgs, reply *StatsReply) error {
	liveCallables, liveStorages, hasManager := s.c.Stats()
	reply.LiveCallables = liveCallables
	reply.LiveStorages = liveStorages
	reply.HasManager = hasManager
	if m := s.c.Manager(); m != nil {
		st := m.Stats()
		reply.RootCount = st.RootCount
		reply.DebugFailCount = st.DebugFailCount
		reply.DebugCheckpointingCount = st.DebugCheckpointingCount
	}
	return nil
}

// Dump answers with the manager's diagnostic tree dump.
func (s *Service) Dump(args DumpArgs, reply *DumpReply) error {
	m := s.c.Manager()
	if m == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := m.DumpTree(&buf); err != nil {
		return err
	}
	reply.Text = buf.String()
	return nil
}

// Client implements the CLI side of this protocol over net/rpc.
type Client struct {
	client *rpc.Client
}

// DialHTTP connects to a debug service listening on network/address.
func DialHTTP(network, address string) (*Client, error) {
	c, err := rpc.DialHTTP(network, address)
	if err != nil {
		return nil, err
	}
	return &Client{client: c}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.client.Close() }

// Stats fetches the remote container/manager snapshot.
func (c *Client) Stats() (StatsReply, error) {
	var reply StatsReply
	err := c.client.Call("Service.Stats", StatsArgs{}, &reply)
	return reply, err
}

// Dump fetches the remote manager's diagnostic tree dump.
func (c *Client) Dump() (string, error) {
	var reply DumpReply
	err := c.client.Call("Service.Dump", DumpArgs{}, &reply)
	return reply.Text, err
}
