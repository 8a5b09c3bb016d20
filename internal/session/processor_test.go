package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/card"
	"github.com/drossi/relayproxy/internal/emv/signer"
	"github.com/drossi/relayproxy/internal/emv/tlv"
	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/testutil/testlog"
)

func newProcessor(t *testing.T, state policy.State, keyed bool) *Processor {
	t.Helper()
	var sig *signer.Signer
	var err error
	if keyed {
		sig, err = signer.Load(writeKey(t))
	} else {
		sig, err = signer.Load("")
	}
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return &Processor{
		Policy: policy.NewStore(state, sig.Reload),
		Signer: sig,
	}
}

func writeKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "private.pem")
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func visaCreditTLV(t *testing.T) []byte {
	t.Helper()
	raw, err := hex.DecodeString("5A0841111111111111119F070100")
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return raw
}

func requireTag(t *testing.T, set tlv.Set, tag uint16, wantHex string) {
	t.Helper()
	node, ok := tlv.Find(set, tag)
	if !ok {
		t.Fatalf("tag %X missing", tag)
	}
	want, err := hex.DecodeString(wantHex)
	if err != nil {
		t.Fatalf("fixture %q: %v", wantHex, err)
	}
	if !bytes.Equal(node.Value, want) {
		t.Fatalf("tag %X = %X, want %s", tag, node.Value, wantHex)
	}
}

func TestProcessVisaCreditPOS(t *testing.T) {
	testlog.Start(t)
	proc := newProcessor(t, policy.Defaults(), true)

	out, err := proc.Process(context.Background(), visaCreditTLV(t))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	set, err := tlv.Parse(out.Modified)
	if err != nil {
		t.Fatalf("reparse modified: %v", err)
	}
	requireTag(t, set, emv.TagCVMResults, "1F0300")
	requireTag(t, set, emv.TagCTQ, "0000")
	requireTag(t, set, emv.TagIssuerAppData, "0110A00001220000000000000000000000FF")
	requireTag(t, set, emv.TagTerminalCaps, "6068C8")
	requireTag(t, set, emv.TagTVR, "8000000000")
	requireTag(t, set, emv.TagPAN, "4111111111111111")

	if _, ok := tlv.Find(set, emv.TagSignature); !ok {
		t.Fatalf("9F45 missing with key loaded")
	}
	if !out.Response.MITM.SignatureTagPresent {
		t.Fatalf("summary must flag the signature")
	}
	if out.Brand != card.Visa {
		t.Fatalf("brand = %v", out.Brand)
	}
}

func TestProcessMastercardDebitATM(t *testing.T) {
	proc := newProcessor(t, policy.Defaults(), false)
	raw, err := hex.DecodeString("5A0855555555555544449F0701089F350122")
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	out, err := proc.Process(context.Background(), raw)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Response.MITM.Strategy.Primary != "cdcvm" {
		t.Fatalf("strategy = %+v", out.Response.MITM.Strategy)
	}
	set, err := tlv.Parse(out.Modified)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	requireTag(t, set, emv.TagCVMResults, "1E0300")
	requireTag(t, set, emv.TagTerminalCaps, "6000C8")
	requireTag(t, set, emv.TagCVMList, "000000000000000042031E031F00")
}

func TestProcessUnsignedWithoutKey(t *testing.T) {
	proc := newProcessor(t, policy.Defaults(), false)
	out, err := proc.Process(context.Background(), visaCreditTLV(t))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	set, err := tlv.Parse(out.Modified)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if _, ok := tlv.Find(set, emv.TagSignature); ok {
		t.Fatalf("9F45 present without a key")
	}
	if out.Response.MITM.SignatureTagPresent {
		t.Fatalf("summary claims a signature that is not there")
	}
}

func TestProcessBlockAll(t *testing.T) {
	state := policy.Defaults()
	state.BlockAll = true
	proc := newProcessor(t, state, false)

	_, err := proc.Process(context.Background(), visaCreditTLV(t))
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestProcessMITMDisabledPassesThrough(t *testing.T) {
	state := policy.Defaults()
	state.MITMEnabled = false
	proc := newProcessor(t, state, true)

	raw := visaCreditTLV(t)
	out, err := proc.Process(context.Background(), raw)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !bytes.Equal(out.Modified, raw) {
		t.Fatalf("observation mode must not modify bytes")
	}
	if len(out.Response.MITM.AppliedEdits) != 0 {
		t.Fatalf("observation mode reported edits")
	}
}

func TestProcessTruncatedTLV(t *testing.T) {
	proc := newProcessor(t, policy.Defaults(), false)
	_, err := proc.Process(context.Background(), []byte{0x5A, 0x08, 0x41, 0x11})
	if !errors.Is(err, tlv.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestProcessDeterministicForSameInput(t *testing.T) {
	proc := newProcessor(t, policy.Defaults(), false)
	raw := visaCreditTLV(t)
	first, err := proc.Process(context.Background(), raw)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := proc.Process(context.Background(), raw)
		if err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
		if !bytes.Equal(first.Modified, next.Modified) {
			t.Fatalf("iteration %d diverged", i)
		}
	}
}
