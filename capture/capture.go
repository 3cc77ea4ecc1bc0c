// Package capture reads VJ packets out of pcap files recorded on PPP links.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/multierr"

	"vj-decoder/types"
	"vj-decoder/vj"
)

const (
	// LinkTypePPPWithDir is LINKTYPE_PPP_WITH_DIR: a direction byte
	// followed by a PPP frame.
	LinkTypePPPWithDir layers.LinkType = 204

	PPPTypeVJCompressed   layers.PPPType = 0x002d
	PPPTypeVJUncompressed layers.PPPType = 0x002f
)

var (
	ErrUnsupportedLinkType = errors.New("capture: unsupported link type")
	ErrNotPPP              = errors.New("capture: frame is not a PPP frame")
)

// Matcher decides whether a raw captured frame is kept.
type Matcher interface {
	Match(data []byte) bool
}

// Reader yields the VJ frames of a capture in order. Frame IDs are the
// 1-based position of the frame in the file, so skipped frames still use up
// an ID.
type Reader struct {
	closer   io.Closer
	src      *pcapgo.Reader
	linkType layers.LinkType
	filter   Matcher
	next     types.FrameID

	Skipped  int
	Filtered int
}

// Open opens a pcap file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	r.closer = f
	return r, nil
}

// NewReader reads a pcap stream from src.
func NewReader(src io.Reader) (*Reader, error) {
	pr, err := pcapgo.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	lt := pr.LinkType()
	if lt != layers.LinkTypePPP && lt != LinkTypePPPWithDir {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedLinkType, lt)
	}
	return &Reader{src: pr, linkType: lt, next: 1}, nil
}

// LinkType is the link type declared by the capture.
func (r *Reader) LinkType() layers.LinkType { return r.linkType }

// SetLinkType overrides the link type declared in the file header, for
// captures written with a generic DLT.
func (r *Reader) SetLinkType(lt layers.LinkType) error {
	if lt != layers.LinkTypePPP && lt != LinkTypePPPWithDir {
		return fmt.Errorf("%w: %v", ErrUnsupportedLinkType, lt)
	}
	r.linkType = lt
	return nil
}

// ParseLinkType maps a configuration name to a link type.
func ParseLinkType(name string) (layers.LinkType, error) {
	switch name {
	case "ppp":
		return layers.LinkTypePPP, nil
	case "ppp_with_dir":
		return LinkTypePPPWithDir, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedLinkType, name)
	}
}

// SetFilter installs m; frames it rejects are skipped.
func (r *Reader) SetFilter(m Matcher) { r.filter = m }

// Next returns the next VJ frame, or io.EOF at the end of the capture.
// Frames carrying other PPP protocols are skipped.
func (r *Reader) Next() (vj.Frame, gopacket.CaptureInfo, error) {
	for {
		data, ci, err := r.src.ReadPacketData()
		if err != nil {
			return vj.Frame{}, ci, err
		}
		id := r.next
		r.next++

		if r.filter != nil && !r.filter.Match(data) {
			r.Filtered++
			continue
		}
		f, err := Unwrap(r.linkType, id, data)
		if err != nil {
			r.Skipped++
			continue
		}
		f.WireLength = ci.Length - (len(data) - len(f.Data))
		return f, ci, nil
	}
}

// Close closes the underlying file when the Reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Unwrap strips link framing from data and classifies the VJ packet inside.
// Frames without a VJ PPP protocol number return ErrNotPPP.
func Unwrap(lt layers.LinkType, id types.FrameID, data []byte) (vj.Frame, error) {
	f := vj.Frame{ID: id, Direction: types.DirectionReceived}
	switch lt {
	case layers.LinkTypePPP:
	case LinkTypePPPWithDir:
		if len(data) < 1 {
			return f, fmt.Errorf("%w: missing direction byte", ErrNotPPP)
		}
		if data[0] != 0 {
			f.Direction = types.DirectionSent
		}
		data = data[1:]
	default:
		return f, fmt.Errorf("%w: %v", ErrUnsupportedLinkType, lt)
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypePPP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	pppLayer := pkt.Layer(layers.LayerTypePPP)
	if pppLayer == nil {
		return f, ErrNotPPP
	}
	ppp := pppLayer.(*layers.PPP)

	switch ppp.PPPType {
	case PPPTypeVJCompressed:
		f.Kind = types.KindCompressed
	case PPPTypeVJUncompressed:
		f.Kind = types.KindUncompressed
	default:
		return f, fmt.Errorf("%w: PPP protocol %#04x", ErrNotPPP, uint16(ppp.PPPType))
	}
	f.Data = ppp.LayerPayload()
	return f, nil
}
