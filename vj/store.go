package vj

import (
	"github.com/samber/lo"

	"vj-decoder/types"
)

// FlowState is everything remembered about one flow between packets.
type FlowState struct {
	// Template is the most recently reconstructed IPv4+TCP header and the
	// baseline for the next compressed packet.
	Template []byte
	// IPHeaderLen is the IHL of Template in bytes.
	IPHeaderLen int
	// LastAppDataLen is the TCP payload size of the packet that produced
	// Template.
	LastAppDataLen uint32
	// LastSource is the frame that produced Template; valid once
	// HasTemplate is true.
	LastSource  types.FrameID
	HasTemplate bool
	// Stale is set when a compressed packet of the flow could not be
	// decoded. Compressed packets without an explicit connection number are
	// refused until one that carries it, or a refresh, arrives.
	Stale bool

	frames map[types.FrameID]types.FrameSnapshot
}

// Frames returns how many snapshots have been recorded for the flow.
func (fs *FlowState) Frames() int { return len(fs.frames) }

// Store owns all flow state of one session. It is not safe for concurrent
// use; Session serializes access to it.
type Store struct {
	flows map[types.FlowKey]*FlowState
}

func NewStore() *Store {
	return &Store{flows: make(map[types.FlowKey]*FlowState)}
}

// GetOrCreate returns the state for key, inserting an empty one without a
// template if none exists.
func (s *Store) GetOrCreate(key types.FlowKey) *FlowState {
	fs, ok := s.flows[key]
	if !ok {
		fs = &FlowState{frames: make(map[types.FrameID]types.FrameSnapshot)}
		s.flows[key] = fs
	}
	return fs
}

// Lookup returns the state for key without creating it.
func (s *Store) Lookup(key types.FlowKey) (*FlowState, bool) {
	fs, ok := s.flows[key]
	return fs, ok
}

// RecordSnapshot stores snap for frame on the flow. An existing snapshot for
// the same frame is never replaced; the return value reports whether snap
// was stored.
func (s *Store) RecordSnapshot(key types.FlowKey, frame types.FrameID, snap types.FrameSnapshot) bool {
	fs := s.GetOrCreate(key)
	if _, exists := fs.frames[frame]; exists {
		return false
	}
	snap.Header = append([]byte(nil), snap.Header...)
	fs.frames[frame] = snap
	return true
}

// SnapshotFor returns the snapshot recorded for frame on the flow.
func (s *Store) SnapshotFor(key types.FlowKey, frame types.FrameID) (types.FrameSnapshot, bool) {
	fs, ok := s.flows[key]
	if !ok {
		return types.FrameSnapshot{}, false
	}
	snap, ok := fs.frames[frame]
	return snap, ok
}

// Keys returns the keys of all known flows in no particular order.
func (s *Store) Keys() []types.FlowKey {
	return lo.Keys(s.flows)
}

// Len is the number of known flows.
func (s *Store) Len() int { return len(s.flows) }
