// Package journal archives TreeManager diagnostic dumps for postmortem
// debugging of rebranch and checkpoint decisions, the same role this
// codebase's propagation log plays for eventual block archival
// (storage.Paired in the original, now folded into this single-sink
// design since a journal entry is written once, on teardown, rather than
// continuously queued).
package journal

import (
	"bytes"
	"compress/gzip"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nicolagi/cudagraphtrees/storage"
	"github.com/nicolagi/cudagraphtrees/tree"
)

// Journal writes session diagnostics to a storage.Store, gzip-compressed,
// keyed by session id.
type Journal struct {
	store storage.Store
}

// New builds a Journal backed by store. Pass storage.NullStore{} to
// disable journaling without special-casing callers.
func New(store storage.Store) *Journal {
	return &Journal{store: store}
}

// RecordSession gzip-compresses m's diagnostic dump and its debug
// counters and writes them under sessionID, so a completed session can
// be inspected after the fact without the manager itself being alive.
func (j *Journal) RecordSession(sessionID string, m *tree.Manager) error {
	var raw bytes.Buffer
	if err := m.DumpTree(&raw); err != nil {
		return errorf("RecordSession", "dumping tree: %v", err)
	}
	stats := m.Stats()
	fmt.Fprintf(&raw, "debug_fail_count=%d debug_checkpointing_count=%d root_count=%d\n",
		stats.DebugFailCount, stats.DebugCheckpointingCount, stats.RootCount)

	var compressed bytes.Buffer
	w := gzip.NewWriter(&compressed)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return errorf("RecordSession", "compressing: %v", err)
	}
	if err := w.Close(); err != nil {
		return errorf("RecordSession", "closing gzip writer: %v", err)
	}

	if err := j.store.Put(storage.Key(sessionID), storage.Value(compressed.Bytes())); err != nil {
		return errorf("RecordSession", "writing session %q: %v", sessionID, err)
	}
	log.WithFields(log.Fields{
		"session_id": sessionID,
		"root_count": stats.RootCount,
	}).Info("session journaled")
	return nil
}
