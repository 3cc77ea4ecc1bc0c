package bpf

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

const snapLen = 65535

// CreateBPFFilter compiles a tcpdump expression for frames of linkType.
func CreateBPFFilter(linkType layers.LinkType, bpfFilter string) ([]bpf.RawInstruction, error) {
	instructions, err := pcap.CompileBPFFilter(linkType, snapLen, bpfFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter '%s': %w", bpfFilter, err)
	}

	rawInstructions := make([]bpf.RawInstruction, len(instructions))
	for i, inst := range instructions {
		rawInstructions[i] = bpf.RawInstruction{
			Op: inst.Code,
			Jt: inst.Jt,
			Jf: inst.Jf,
			K:  inst.K,
		}
	}

	return rawInstructions, nil
}

// Filter runs a BPF program over captured frames in process.
type Filter struct {
	vm *bpf.VM
}

// NewFilter loads a raw program into a VM.
func NewFilter(raw []bpf.RawInstruction) (*Filter, error) {
	insns, ok := bpf.Disassemble(raw)
	if !ok {
		return nil, fmt.Errorf("BPF program contains instructions the VM cannot run")
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF program: %w", err)
	}
	return &Filter{vm: vm}, nil
}

// Compile builds a Filter from a tcpdump expression.
func Compile(linkType layers.LinkType, bpfFilter string) (*Filter, error) {
	raw, err := CreateBPFFilter(linkType, bpfFilter)
	if err != nil {
		return nil, err
	}
	return NewFilter(raw)
}

// Match reports whether the program accepts data.
func (f *Filter) Match(data []byte) bool {
	n, err := f.vm.Run(data)
	return err == nil && n > 0
}

// ProtocolFilter accepts frames whose 16-bit PPP protocol field at offset
// equals one of protos. It needs no libpcap.
func ProtocolFilter(offset uint32, protos ...uint16) (*Filter, error) {
	insns := []bpf.Instruction{bpf.LoadAbsolute{Off: offset, Size: 2}}
	for i, p := range protos {
		// Jump to the accept at the end of the list.
		insns = append(insns, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(p), SkipTrue: uint8(len(protos) - i)})
	}
	insns = append(insns,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: snapLen},
	)
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF program: %w", err)
	}
	return &Filter{vm: vm}, nil
}
