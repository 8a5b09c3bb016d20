package bypass

import (
	"encoding/hex"

	"github.com/drossi/relayproxy/internal/emv/card"
)

// Strategy is one row of the bypass lookup: verification method plus the
// byte values written into 9F34, 9F10, and 9F33.
type Strategy struct {
	Primary      string
	Fallback     string
	CVMResults   []byte
	CVR          []byte
	TerminalCaps []byte
	CVMList      []byte
	Notes        string
}

const (
	methodCDCVM      = "cdcvm"
	methodSignature  = "signature"
	methodNoCVM      = "no_cvm"
	methodOnlineAuth = "online_auth"
	methodGeneric    = "generic"
)

var (
	cvmNoCVM     = mustHex("1E0300")
	cvmSignature = mustHex("1F0300")

	capsPOS = mustHex("6068C8")
	capsATM = mustHex("6000C8")

	mastercardCVMList = mustHex("000000000000000042031E031F00")
	amexCVMList       = mustHex("000000000000000041031E031F00")
)

type row struct {
	brand    card.Brand
	anyBrand bool
	ctype    card.Type
	anyType  bool
	terminal card.TerminalKind
	anyTerm  bool
	strat    Strategy
}

// strategyRows is evaluated top to bottom; the first matching row wins and
// the trailing generic row always matches.
var strategyRows = []row{
	{brand: card.Visa, ctype: card.Debit, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodCDCVM, Fallback: methodNoCVM,
		CVMResults: cvmNoCVM, CVR: mustHex("0110A00003220000000000000000000000FF"), TerminalCaps: capsPOS,
	}},
	{brand: card.Visa, ctype: card.Credit, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodSignature, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00001220000000000000000000000FF"), TerminalCaps: capsPOS,
	}},
	{brand: card.Visa, ctype: card.Business, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodNoCVM, Fallback: methodSignature,
		CVMResults: cvmSignature, CVR: mustHex("0110A00005220000000000000000000000FF"), TerminalCaps: capsPOS,
		Notes: "enhanced",
	}},
	{brand: card.Visa, anyType: true, terminal: card.TerminalATM, strat: Strategy{
		Primary: methodCDCVM, Fallback: methodNoCVM,
		CVMResults: cvmNoCVM, CVR: mustHex("0110A00003220000000000000000000000FF"), TerminalCaps: capsATM,
	}},
	{brand: card.Mastercard, ctype: card.Debit, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodCDCVM, Fallback: methodNoCVM,
		CVMResults: cvmNoCVM, CVR: mustHex("0110A00000220000000000000000000000FF"), TerminalCaps: capsPOS,
		CVMList: mastercardCVMList,
	}},
	{brand: card.Mastercard, ctype: card.Credit, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodSignature, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00002220000000000000000000000FF"), TerminalCaps: capsPOS,
		CVMList: mastercardCVMList,
	}},
	{brand: card.Amex, ctype: card.Credit, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodSignature, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00007220000000000000000000000FF"), TerminalCaps: capsPOS,
		CVMList: amexCVMList,
	}},
	{brand: card.Amex, ctype: card.Business, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodSignature, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00006220000000000000000000000FF"), TerminalCaps: capsPOS,
		CVMList: amexCVMList,
	}},
	{brand: card.Discover, anyType: true, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodSignature, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00008220000000000000000000000FF"), TerminalCaps: capsPOS,
	}},
	{brand: card.JCB, anyType: true, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodSignature, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00009220000000000000000000000FF"), TerminalCaps: capsPOS,
	}},
	{brand: card.UnionPay, anyType: true, terminal: card.TerminalPOS, strat: Strategy{
		Primary: methodOnlineAuth, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00010220000000000000000000000FF"), TerminalCaps: capsPOS,
	}},
	{anyBrand: true, anyType: true, anyTerm: true, strat: Strategy{
		Primary: methodGeneric, Fallback: methodNoCVM,
		CVMResults: cvmSignature, CVR: mustHex("0110A00000220000000000000000000000FF"), TerminalCaps: capsPOS,
		Notes: "fallback",
	}},
}

// lookupStrategy resolves (brand, type, terminal) in two passes: an exact
// terminal match first (the Visa ATM row), then the brand/type default
// (POS) row; with neither, the generic row. ATM terminals always get the
// ATM capability bytes, whichever row supplied the rest.
func lookupStrategy(brand card.Brand, ctype card.Type, terminal card.TerminalKind) Strategy {
	for _, r := range strategyRows {
		if r.anyBrand || r.brand != brand {
			continue
		}
		if !r.anyType && r.ctype != ctype {
			continue
		}
		if r.anyTerm || r.terminal == terminal {
			return withTerminalCaps(r.strat, terminal)
		}
	}
	for _, r := range strategyRows {
		if r.anyBrand || r.brand != brand || r.terminal != card.TerminalPOS {
			continue
		}
		if !r.anyType && r.ctype != ctype {
			continue
		}
		return withTerminalCaps(r.strat, terminal)
	}
	return withTerminalCaps(strategyRows[len(strategyRows)-1].strat, terminal)
}

func withTerminalCaps(s Strategy, terminal card.TerminalKind) Strategy {
	if terminal == card.TerminalATM {
		s.TerminalCaps = capsATM
	}
	return s
}

// Hand-tuned base success figures per brand and type; observability only.
func baseSuccessProbability(brand card.Brand, ctype card.Type) float64 {
	switch brand {
	case card.Visa:
		switch ctype {
		case card.Debit:
			return 0.80
		case card.Credit:
			return 0.90
		case card.Business:
			return 0.85
		}
	case card.Mastercard:
		switch ctype {
		case card.Debit:
			return 0.75
		case card.Credit:
			return 0.90
		case card.Business:
			return 0.80
		}
	case card.Amex:
		if ctype == card.Business {
			return 0.90
		}
		return 0.95
	case card.Discover:
		return 0.85
	case card.JCB:
		return 0.80
	case card.UnionPay:
		return 0.70
	}
	return 0.70
}

func successProbability(brand card.Brand, ctype card.Type, terminal card.TerminalKind) float64 {
	p := baseSuccessProbability(brand, ctype)
	switch terminal {
	case card.TerminalATM:
		p *= 0.9
	case card.TerminalPOS:
		if ctype == card.Debit {
			p *= 1.1
		}
	}
	if p > 0.95 {
		p = 0.95
	}
	return p
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("bypass: bad hex constant " + s)
	}
	return b
}
