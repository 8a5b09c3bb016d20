// Package envelope decodes the JSON envelope carried by NFC_DATA frames
// and HTTP relay bodies, and builds the response envelope.
package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/tlv"
)

var (
	ErrMalformed = errors.New("envelope: malformed body")
	ErrNoTLV     = errors.New("envelope: no tlv-bearing field present")
)

// Request is the inner envelope. Exactly one field is consumed, in the
// declared precedence order. The other fields, and any JSON fields outside
// these five, are not carried into the Response.
type Request struct {
	RawTLVHex   string `json:"raw_tlv_hex,omitempty"`
	RawData     string `json:"raw_data,omitempty"`
	TLVHex      string `json:"tlv_hex,omitempty"`
	TLVBytesB64 string `json:"tlv_bytes_b64,omitempty"`
	TLVData     string `json:"tlv_data,omitempty"`
}

func Parse(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req, nil
}

// ExtractTLV applies the precedence rule and returns the TLV bytes plus
// the name of the field that supplied them.
func (r Request) ExtractTLV() ([]byte, string, error) {
	switch {
	case r.RawTLVHex != "":
		b, err := decodeHexField("raw_tlv_hex", r.RawTLVHex)
		return b, "raw_tlv_hex", err
	case r.RawData != "":
		b, err := decodeHexField("raw_data", r.RawData)
		return b, "raw_data", err
	case r.TLVHex != "":
		b, err := decodeHexField("tlv_hex", r.TLVHex)
		return b, "tlv_hex", err
	case r.TLVBytesB64 != "":
		b, err := base64.StdEncoding.DecodeString(r.TLVBytesB64)
		if err != nil {
			return nil, "tlv_bytes_b64", fmt.Errorf("%w: tlv_bytes_b64: %v", ErrMalformed, err)
		}
		return b, "tlv_bytes_b64", nil
	case r.TLVData != "":
		b, err := decodeTagValueList(r.TLVData)
		return b, "tlv_data", err
	default:
		return nil, "", ErrNoTLV
	}
}

func decodeHexField(name, value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if len(value)%2 != 0 {
		return nil, fmt.Errorf("%w: %s: odd hex length", ErrMalformed, name)
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return b, nil
}

// decodeTagValueList handles the TAG:VALUE|TAG:VALUE shorthand. VALUE is
// hex when it decodes as even-length hex, UTF-8 otherwise.
func decodeTagValueList(data string) ([]byte, error) {
	set := make(tlv.Set, 0, 4)
	for _, pair := range strings.Split(data, "|") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		tagStr, valStr, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("%w: tlv_data: missing separator in %q", ErrMalformed, pair)
		}
		tagBytes, err := hex.DecodeString(strings.TrimSpace(tagStr))
		if err != nil || len(tagBytes) == 0 || len(tagBytes) > 2 {
			return nil, fmt.Errorf("%w: tlv_data: bad tag %q", ErrMalformed, tagStr)
		}
		tag := uint16(tagBytes[0])
		if len(tagBytes) == 2 {
			tag = uint16(tagBytes[0])<<8 | uint16(tagBytes[1])
		}

		var value []byte
		if v, err := hex.DecodeString(valStr); err == nil && len(valStr)%2 == 0 {
			value = v
		} else {
			value = []byte(valStr)
		}
		set = append(set, tlv.NewNode(tag, value))
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: tlv_data: empty list", ErrMalformed)
	}
	return tlv.Serialize(set), nil
}

// EditSummary is one applied edit in the response envelope.
type EditSummary struct {
	Op       string `json:"op"`
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	ValueHex string `json:"value_hex,omitempty"`
}

// StrategySummary mirrors the chosen strategy row.
type StrategySummary struct {
	Primary  string `json:"primary"`
	Fallback string `json:"fallback"`
	Notes    string `json:"notes,omitempty"`
	HighRisk bool   `json:"high_risk,omitempty"`
}

// MITM is the modification summary attached to every processed response.
type MITM struct {
	AppliedEdits        []EditSummary   `json:"applied_edits"`
	Strategy            StrategySummary `json:"strategy"`
	SignatureTagPresent bool            `json:"signature_tag_present"`
	SuccessProbability  float64         `json:"success_probability"`
	PINRequiredBefore   bool            `json:"pin_required_before"`
}

// Response is the outbound envelope for processed NFC data.
type Response struct {
	ModifiedTLVHex string `json:"modified_tlv_hex"`
	MITM           MITM   `json:"mitm"`
}

func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// SummarizeEdits renders a plan for the response envelope.
func SummarizeEdits(plan tlv.Plan) []EditSummary {
	out := make([]EditSummary, 0, len(plan))
	for _, e := range plan {
		s := EditSummary{
			Op:   e.Op.String(),
			Tag:  fmt.Sprintf("%X", e.Tag),
			Name: emv.TagName(e.Tag),
		}
		if e.Op != tlv.OpRemove {
			s.ValueHex = strings.ToUpper(hex.EncodeToString(e.Value))
		}
		out = append(out, s)
	}
	return out
}
