package card

import (
	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/tlv"
)

// TerminalKind classifies the terminal on the far side of the relay.
type TerminalKind int

const (
	TerminalPOS TerminalKind = iota
	TerminalATM
	TerminalMobile
	TerminalTransit
	TerminalContactless
)

func (k TerminalKind) String() string {
	switch k {
	case TerminalATM:
		return "ATM"
	case TerminalMobile:
		return "Mobile"
	case TerminalTransit:
		return "Transit"
	case TerminalContactless:
		return "Contactless"
	default:
		return "POS"
	}
}

// DetectTerminal reads tag 9F35 when present; a CTQ without a terminal
// type marks a contactless entry point. POS is the default.
func DetectTerminal(set tlv.Set) TerminalKind {
	if term, ok := tlv.Find(set, emv.TagTerminalType); ok && len(term.Value) > 0 {
		switch term.Value[0] {
		case 0x11, 0x21:
			return TerminalPOS
		case 0x12, 0x14, 0x22:
			return TerminalATM
		case 0x24, 0x34:
			return TerminalMobile
		case 0x25:
			return TerminalTransit
		}
	}
	if _, ok := tlv.Find(set, emv.TagCTQ); ok {
		return TerminalContactless
	}
	return TerminalPOS
}

// PINRequired reports the PIN bit (0x0040) of the card transaction
// qualifiers. Absent CTQ means no PIN demand to bypass.
func PINRequired(set tlv.Set) bool {
	ctq, ok := tlv.Find(set, emv.TagCTQ)
	if !ok || len(ctq.Value) < 2 {
		return false
	}
	qual := uint16(ctq.Value[0])<<8 | uint16(ctq.Value[1])
	return qual&0x0040 != 0
}
