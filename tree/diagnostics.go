package tree

import (
	"fmt"
	"io"
)

// Stats is a snapshot of the manager's operational counters, exposed for
// the cudagraphctl CLI (through debugrpc) and the session journal. Neither
// counter drives any control-flow decision; they exist purely for
// observability.
type Stats struct {
	DebugFailCount          uint64
	DebugCheckpointingCount uint64
	RootCount               int
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		DebugFailCount:          m.debugFailCounter,
		DebugCheckpointingCount: m.debugCheckpointingCounter,
		RootCount:               len(m.roots),
	}
}

// DumpTree walks every recorded forest rooted at an installed function,
// printing one line per node: function id, graph id, pool id, and how
// many of its path's positions are currently live versus dead.
func (m *Manager) DumpTree(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, roots := range m.roots {
		for _, root := range roots {
			if err := dumpNode(w, root, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func dumpNode(w io.Writer, n *Node, depth int) error {
	live := len(n.PathLiveHandles())
	dead := len(n.DataPtrsFreedSinceRecording())
	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}
	if _, err := fmt.Fprintf(w, "%sfunction=%d graph=%d pool=%d live=%d dead=%d\n",
		indent, n.functionID, n.id, n.pool, live, dead); err != nil {
		return err
	}
	for _, children := range n.children {
		for _, child := range children {
			if err := dumpNode(w, child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// LiveAddresses returns the device address of every output handle
// currently live across every recorded root, for the debug-mode pool
// consistency sweep.
func (m *Manager) LiveAddresses() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint64
	for _, roots := range m.roots {
		for _, root := range roots {
			collectLiveAddresses(root, &out)
		}
	}
	return out
}

func collectLiveAddresses(n *Node, out *[]uint64) {
	for _, h := range n.PathLiveHandles() {
		*out = append(*out, uint64(h.Address()))
	}
	for _, children := range n.children {
		for _, child := range children {
			collectLiveAddresses(child, out)
		}
	}
}

// LiveGraph names one currently-live recorded path by the chain of
// function ids leading to it.
type LiveGraph struct {
	Path    []FunctionID
	GraphID GraphID
}

// ListLiveGraphs returns every recorded node, across every root, that
// currently has at least one live handle along its path.
func (m *Manager) ListLiveGraphs() []LiveGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LiveGraph
	for _, roots := range m.roots {
		for _, root := range roots {
			collectLiveGraphs(root, nil, &out)
		}
	}
	return out
}

func collectLiveGraphs(n *Node, prefix []FunctionID, out *[]LiveGraph) {
	path := append(append([]FunctionID{}, prefix...), n.functionID)
	if len(n.PathLiveHandles()) > 0 {
		*out = append(*out, LiveGraph{Path: path, GraphID: n.id})
	}
	for _, children := range n.children {
		for _, child := range children {
			collectLiveGraphs(child, path, out)
		}
	}
}
