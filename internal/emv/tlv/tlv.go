// Package tlv implements the BER-TLV codec for relayed EMV payloads.
//
// Parsing is strict on the outer stream. Inside a constructed node whose
// content fails to re-parse, the node is kept as an opaque primitive
// carrying the raw bytes; proprietary inner blobs are not necessarily TLV.
package tlv

import (
	"encoding/binary"
	"errors"

	"github.com/rs/zerolog/log"
)

var (
	ErrTruncated      = errors.New("tlv: truncated buffer")
	ErrOverlongLength = errors.New("tlv: overlong length encoding")
	ErrEmptyTag       = errors.New("tlv: empty tag byte")
	ErrTagTooLong     = errors.New("tlv: tag longer than two bytes")
)

// Class is the tag class from the top two bits of the first tag byte.
type Class uint8

const (
	ClassUniversal Class = iota
	ClassApplication
	ClassContext
	ClassPrivate
)

func (c Class) String() string {
	switch c {
	case ClassUniversal:
		return "universal"
	case ClassApplication:
		return "application"
	case ClassContext:
		return "context"
	default:
		return "private"
	}
}

// Node is one parsed TLV element. TagBytes preserves the wire form of the
// tag; RawLength preserves the wire form of the length so untouched
// subtrees serialize byte-exact. RawLength is nil on synthesized nodes;
// NewNode derives TagBytes from the tag value.
type Node struct {
	Tag      uint16
	TagBytes []byte
	Value    []byte
	Children []Node
	Opaque   bool

	RawLength []byte
}

// Set is an ordered sequence of top-level nodes. Order is preserved on
// read and on write.
type Set []Node

// NewNode builds a primitive node for a synthesized or replaced element.
func NewNode(tag uint16, value []byte) Node {
	v := make([]byte, len(value))
	copy(v, value)
	return Node{Tag: tag, TagBytes: encodeTag(tag), Value: v}
}

func (n Node) Class() Class {
	return Class(n.firstTagByte() >> 6)
}

// Constructed reports whether bit 6 of the first tag byte is set.
func (n Node) Constructed() bool {
	return n.firstTagByte()&0x20 != 0
}

func (n Node) firstTagByte() byte {
	if len(n.TagBytes) > 0 {
		return n.TagBytes[0]
	}
	if n.Tag > 0xFF {
		return byte(n.Tag >> 8)
	}
	return byte(n.Tag)
}

// Parse decodes a BER-TLV byte stream into an ordered Set.
func Parse(data []byte) (Set, error) {
	set := make(Set, 0, 4)
	i := 0
	for i < len(data) {
		node, next, err := parseNode(data, i)
		if err != nil {
			return nil, err
		}
		set = append(set, node)
		i = next
	}
	return set, nil
}

func parseNode(data []byte, i int) (Node, int, error) {
	if i >= len(data) {
		return Node{}, 0, ErrTruncated
	}
	b0 := data[i]
	if b0 == 0x00 {
		return Node{}, 0, ErrEmptyTag
	}
	tagStart := i
	i++

	tag := uint16(b0)
	if b0&0x1F == 0x1F {
		if i >= len(data) {
			return Node{}, 0, ErrTruncated
		}
		b1 := data[i]
		i++
		if b1&0x80 != 0 {
			return Node{}, 0, ErrTagTooLong
		}
		tag = uint16(b0)<<8 | uint16(b1)
	}
	tagBytes := make([]byte, i-tagStart)
	copy(tagBytes, data[tagStart:i])

	if i >= len(data) {
		return Node{}, 0, ErrTruncated
	}
	lenStart := i
	length := int(data[i])
	i++
	if length >= 0x80 {
		n := length & 0x7F
		if n == 0 || n > 4 {
			return Node{}, 0, ErrOverlongLength
		}
		if i+n > len(data) {
			return Node{}, 0, ErrTruncated
		}
		length = 0
		for _, b := range data[i : i+n] {
			length = length<<8 | int(b)
		}
		i += n
	}
	rawLength := make([]byte, i-lenStart)
	copy(rawLength, data[lenStart:i])

	if i+length > len(data) {
		return Node{}, 0, ErrTruncated
	}
	value := make([]byte, length)
	copy(value, data[i:i+length])
	i += length

	node := Node{
		Tag:       tag,
		TagBytes:  tagBytes,
		Value:     value,
		RawLength: rawLength,
	}
	if node.Constructed() {
		children, err := Parse(value)
		if err != nil {
			log.Warn().
				Uint16("tag", tag).
				Err(err).
				Msg("constructed value does not re-parse, keeping raw bytes")
			node.Opaque = true
		} else {
			node.Children = children
		}
	}
	return node, i, nil
}

// Serialize encodes the set back to bytes. Unmodified nodes reuse their
// original length encoding; synthesized or resized nodes get the shortest
// valid form.
func Serialize(set Set) []byte {
	out := make([]byte, 0, 64)
	for _, node := range set {
		out = appendNode(out, node)
	}
	return out
}

func appendNode(out []byte, n Node) []byte {
	content := n.Value
	if len(n.Children) > 0 && !n.Opaque {
		content = Serialize(n.Children)
	}

	if len(n.TagBytes) > 0 {
		out = append(out, n.TagBytes...)
	} else {
		out = append(out, encodeTag(n.Tag)...)
	}

	if n.RawLength != nil && declaredLength(n.RawLength) == len(content) {
		out = append(out, n.RawLength...)
	} else {
		out = append(out, encodeLength(len(content))...)
	}
	return append(out, content...)
}

// Find returns the first node with the given tag, depth first in stream
// order. Duplicate tags are reachable only through manual iteration.
func Find(set Set, tag uint16) (*Node, bool) {
	for i := range set {
		if set[i].Tag == tag {
			return &set[i], true
		}
		if len(set[i].Children) > 0 {
			if n, ok := Find(set[i].Children, tag); ok {
				return n, true
			}
		}
	}
	return nil, false
}

func encodeTag(tag uint16) []byte {
	if tag > 0xFF {
		return []byte{byte(tag >> 8), byte(tag)}
	}
	return []byte{byte(tag)}
}

func encodeLength(length int) []byte {
	if length < 0x80 {
		return []byte{byte(length)}
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(length))
	n := 4
	for n > 1 && buf[4-n] == 0 {
		n--
	}
	out := make([]byte, 0, n+1)
	out = append(out, 0x80|byte(n))
	return append(out, buf[4-n:]...)
}

func declaredLength(raw []byte) int {
	if len(raw) == 0 {
		return -1
	}
	if raw[0] < 0x80 {
		return int(raw[0])
	}
	length := 0
	for _, b := range raw[1:] {
		length = length<<8 | int(b)
	}
	return length
}
