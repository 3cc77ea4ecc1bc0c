// Package vj reconstructs TCP/IP headers from Van Jacobson (RFC 1144)
// compressed and uncompressed packets.
//
// A Session holds the state of one capture. Frames must be handed to Decode
// in capture order the first time they are seen; decoding a frame again
// returns the memoized result and leaves all state untouched.
package vj

import (
	"sync"

	"vj-decoder/types"
)

// Frame is one captured VJ packet, stripped of link layer framing.
type Frame struct {
	ID        types.FrameID
	Direction types.Direction
	Kind      types.PacketKind
	Data      []byte
	// WireLength is the length of Data on the wire. Zero, or anything not
	// larger than len(Data), means the capture holds the whole packet.
	WireLength int
}

func (f Frame) wireLength() int {
	if f.WireLength > len(f.Data) {
		return f.WireLength
	}
	return len(f.Data)
}

func (f Frame) truncated() bool { return f.WireLength > len(f.Data) }

// Result is a reconstructed packet ready for an IPv4 interpreter.
type Result struct {
	Kind    types.PacketKind
	Mode    Mode
	Flow    types.FlowKey
	Header  []byte
	Payload []byte
	// Replay is set when the frame had been decoded before.
	Replay bool
	// PayloadTruncated is set when the capture cut the payload short. The
	// header still describes the packet as it was on the wire.
	PayloadTruncated bool
}

// Packet returns the reconstructed header followed by the payload.
func (r Result) Packet() []byte {
	out := make([]byte, 0, len(r.Header)+len(r.Payload))
	out = append(out, r.Header...)
	return append(out, r.Payload...)
}

// Session is the decoding context of one capture.
type Session struct {
	mu sync.Mutex

	store *Store
	// cursor is the last connection number seen per direction.
	cursor     map[types.Direction]uint8
	frameFlows map[types.FrameID]types.FlowKey
	failed     map[types.FrameID]error
}

func NewSession() *Session {
	s := &Session{}
	s.reset()
	return s
}

// Reset forgets everything; use it at the start of a new capture.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Session) reset() {
	s.store = NewStore()
	s.cursor = make(map[types.Direction]uint8)
	s.frameFlows = make(map[types.FrameID]types.FlowKey)
	s.failed = make(map[types.FrameID]error)
}

func (s *Session) lastConn(dir types.Direction) (uint8, bool) {
	c, ok := s.cursor[dir]
	return c, ok
}

func (s *Session) setLastConn(dir types.Direction, conn uint8) {
	s.cursor[dir] = conn
}

// LastConn returns the most recent connection number seen on dir.
func (s *Session) LastConn(dir types.Direction) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConn(dir)
}

// Flow returns a copy of the state of key.
func (s *Session) Flow(key types.FlowKey) (FlowState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.store.Lookup(key)
	if !ok {
		return FlowState{}, false
	}
	cp := *fs
	cp.Template = append([]byte(nil), fs.Template...)
	return cp, true
}

// Snapshot returns the values decoded for frame on key.
func (s *Session) Snapshot(key types.FlowKey, frame types.FrameID) (types.FrameSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.SnapshotFor(key, frame)
}

// Flows returns the keys of all flows seen so far.
func (s *Session) Flows() []types.FlowKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Keys()
}

// Decode reconstructs the header of f. Errors are *DecodeError values
// wrapping one of the package sentinels. The outcome of a failed decode is
// remembered per frame ID, on the first pass and on replay, and returned
// unchanged on every later call for that frame.
func (s *Session) Decode(f Frame) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failed[f.ID]; ok {
		return Result{}, err
	}
	if key, ok := s.frameFlows[f.ID]; ok {
		res, err := s.replay(f, key)
		if err != nil {
			s.failed[f.ID] = err
		}
		return res, err
	}

	var (
		res  Result
		conn *uint8
		err  error
	)
	switch f.Kind {
	case types.KindUncompressed:
		res, err = s.decodeUncompressed(f)
	case types.KindCompressed:
		res, conn, err = s.decodeCompressed(f)
	default:
		err = ErrUnknownPacketKind
	}
	if err != nil {
		err = decodeError(f.ID, conn, err)
		s.failed[f.ID] = err
		return Result{}, err
	}
	return res, nil
}

func (s *Session) replay(f Frame, key types.FlowKey) (Result, error) {
	snap, ok := s.store.SnapshotFor(key, f.ID)
	if !ok {
		return Result{}, decodeError(f.ID, &key.Conn, ErrNoSnapshotForPreviousFrame)
	}
	if snap.HeaderLen > len(f.Data) {
		return Result{}, decodeError(f.ID, &key.Conn, ErrTruncated)
	}
	res := Result{
		Kind:             f.Kind,
		Flow:             key,
		Header:           append([]byte(nil), snap.Header...),
		Payload:          f.Data[snap.HeaderLen:],
		Replay:           true,
		PayloadTruncated: f.truncated(),
	}
	if f.Kind == types.KindCompressed && len(f.Data) > 0 {
		res.Mode = modeOf(f.Data[0])
	}
	return res, nil
}
