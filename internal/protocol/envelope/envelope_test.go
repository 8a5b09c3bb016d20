package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/tlv"
	"github.com/google/go-cmp/cmp"
)

func TestExtractPrecedence(t *testing.T) {
	req := Request{
		RawTLVHex:   "5A0111",
		RawData:     "5A0122",
		TLVHex:      "5A0133",
		TLVBytesB64: base64.StdEncoding.EncodeToString([]byte{0x5A, 0x01, 0x44}),
		TLVData:     "5A:55",
	}
	b, source, err := req.ExtractTLV()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if source != "raw_tlv_hex" || !bytes.Equal(b, []byte{0x5A, 0x01, 0x11}) {
		t.Fatalf("precedence broken: source=%s bytes=%x", source, b)
	}

	req.RawTLVHex = ""
	if _, source, _ = req.ExtractTLV(); source != "raw_data" {
		t.Fatalf("second precedence = %s", source)
	}
	req.RawData = ""
	if _, source, _ = req.ExtractTLV(); source != "tlv_hex" {
		t.Fatalf("third precedence = %s", source)
	}
	req.TLVHex = ""
	b, source, err = req.ExtractTLV()
	if err != nil || source != "tlv_bytes_b64" || !bytes.Equal(b, []byte{0x5A, 0x01, 0x44}) {
		t.Fatalf("fourth precedence: source=%s bytes=%x err=%v", source, b, err)
	}
	req.TLVBytesB64 = ""
	if _, source, _ = req.ExtractTLV(); source != "tlv_data" {
		t.Fatalf("fifth precedence = %s", source)
	}
}

func TestExtractNoField(t *testing.T) {
	_, _, err := Request{}.ExtractTLV()
	if !errors.Is(err, ErrNoTLV) {
		t.Fatalf("expected ErrNoTLV, got %v", err)
	}
}

func TestExtractOddHexLength(t *testing.T) {
	_, _, err := Request{RawTLVHex: "5A011"}.ExtractTLV()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestExtractBadBase64(t *testing.T) {
	_, _, err := Request{TLVBytesB64: "!!not-base64!!"}.ExtractTLV()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestTagValueListHexAndText(t *testing.T) {
	b, _, err := Request{TLVData: "5A:41111111|5F20:CARDHOLDER"}.ExtractTLV()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	set, err := tlv.Parse(b)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	pan, ok := tlv.Find(set, emv.TagPAN)
	if !ok || !bytes.Equal(pan.Value, []byte{0x41, 0x11, 0x11, 0x11}) {
		t.Fatalf("hex value mismatch: %+v", pan)
	}
	name, ok := tlv.Find(set, emv.TagCardholderName)
	if !ok || string(name.Value) != "CARDHOLDER" {
		t.Fatalf("text value mismatch: %+v", name)
	}
}

func TestTagValueListMultiByteTag(t *testing.T) {
	b, _, err := Request{TLVData: "9F34:1E0300"}.ExtractTLV()
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	set, err := tlv.Parse(b)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if set[0].Tag != emv.TagCVMResults {
		t.Fatalf("tag = %X", set[0].Tag)
	}
}

func TestTagValueListErrors(t *testing.T) {
	for _, data := range []string{"5A41111111", "ZZ:11", "|"} {
		if _, _, err := (Request{TLVData: data}).ExtractTLV(); !errors.Is(err, ErrMalformed) {
			t.Fatalf("tlv_data %q: expected ErrMalformed, got %v", data, err)
		}
	}
}

func TestParseMalformedBody(t *testing.T) {
	if _, err := Parse([]byte("{nope")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestResponseShape(t *testing.T) {
	resp := Response{
		ModifiedTLVHex: "5A0111",
		MITM: MITM{
			AppliedEdits: SummarizeEdits(tlv.Plan{
				tlv.Replace(emv.TagCVMResults, []byte{0x1F, 0x03, 0x00}),
				tlv.Remove(emv.TagCTQ),
			}),
			Strategy:            StrategySummary{Primary: "signature", Fallback: "no_cvm"},
			SignatureTagPresent: true,
			SuccessProbability:  0.9,
		},
	}
	raw, err := resp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if decoded["modified_tlv_hex"] != "5A0111" {
		t.Fatalf("modified_tlv_hex missing: %v", decoded)
	}
	mitm, ok := decoded["mitm"].(map[string]any)
	if !ok {
		t.Fatalf("mitm object missing")
	}
	for _, key := range []string{"applied_edits", "strategy", "signature_tag_present", "success_probability"} {
		if _, ok := mitm[key]; !ok {
			t.Fatalf("mitm missing %q", key)
		}
	}

	want := []EditSummary{
		{Op: "replace", Tag: "9F34", Name: "cvm_results", ValueHex: "1F0300"},
		{Op: "remove", Tag: "9F6C", Name: "card_transaction_qualifiers"},
	}
	if diff := cmp.Diff(want, resp.MITM.AppliedEdits); diff != "" {
		t.Fatalf("edit summary mismatch (-want +got):\n%s", diff)
	}
}
