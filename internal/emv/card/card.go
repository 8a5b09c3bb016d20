// Package card derives card facts from a parsed TLV set. All functions
// are pure; the full PAN never leaves the stack frame of Analyze.
package card

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/drossi/relayproxy/internal/emv"
	"github.com/drossi/relayproxy/internal/emv/tlv"
)

type Brand int

const (
	BrandUnknown Brand = iota
	Visa
	Mastercard
	Amex
	Discover
	JCB
	UnionPay
	DinersClub
	Maestro
)

func (b Brand) String() string {
	switch b {
	case Visa:
		return "Visa"
	case Mastercard:
		return "Mastercard"
	case Amex:
		return "Amex"
	case Discover:
		return "Discover"
	case JCB:
		return "JCB"
	case UnionPay:
		return "UnionPay"
	case DinersClub:
		return "DinersClub"
	case Maestro:
		return "Maestro"
	default:
		return "Unknown"
	}
}

type Type int

const (
	TypeUnknown Type = iota
	Credit
	Debit
	Prepaid
	Business
)

func (t Type) String() string {
	switch t {
	case Credit:
		return "Credit"
	case Debit:
		return "Debit"
	case Prepaid:
		return "Prepaid"
	case Business:
		return "Business"
	default:
		return "Unknown"
	}
}

// Info is the analyzer output. PANMasked carries the last four digits
// only; labels exist for logging and never drive behavior.
type Info struct {
	Brand         Brand
	Type          Type
	PANMasked     string
	AID           []byte
	IssuerCountry string
	Currency      string
	CountryLabel  string
	CurrencyLabel string
	BIN6          string
}

// binRule is one PAN-prefix range. Lo and Hi share a digit count; the
// first matching rule wins, in declaration order.
type binRule struct {
	lo, hi int
	brand  Brand
}

var binRules = []binRule{
	{34, 34, Amex},
	{37, 37, Amex},
	{6011, 6011, Discover},
	{644, 649, Discover},
	{65, 65, Discover},
	{622126, 622925, Discover},
	{3528, 3589, JCB},
	{5018, 5018, Maestro},
	{5020, 5020, Maestro},
	{5038, 5038, Maestro},
	{6304, 6304, Maestro},
	{300, 305, DinersClub},
	{3095, 3095, DinersClub},
	{36, 36, DinersClub},
	{38, 38, DinersClub},
	{39, 39, DinersClub},
	{51, 55, Mastercard},
	{2221, 2720, Mastercard},
	{4, 4, Visa},
	{62, 62, UnionPay},
}

// aidPrefixes maps AID hex prefixes to brands. Maestro precedes
// Mastercard so A0000000043060 does not fall into the A000000004 bucket.
var aidPrefixes = []struct {
	prefix string
	brand  Brand
}{
	{"A0000000043060", Maestro},
	{"A000000003", Visa},
	{"A000000004", Mastercard},
	{"A000000025", Amex},
	{"A0000001523010", Discover},
	{"A0000000651010", JCB},
	{"A000000333", UnionPay},
}

var aucTypes = map[byte]Type{
	0x08: Debit, 0x18: Debit, 0x28: Debit, 0x48: Debit,
	0x00: Credit, 0x01: Credit, 0x02: Credit, 0x04: Credit, 0x40: Credit,
	0x20: Prepaid, 0x21: Prepaid, 0x22: Prepaid, 0x24: Prepaid,
	0x80: Business, 0x81: Business, 0x82: Business, 0x84: Business,
}

var businessMarkers = []string{"CORP", "LLC", "INC", "LTD", "BUSINESS"}

// Analyze derives card facts from the set.
func Analyze(set tlv.Set) Info {
	info := Info{}

	pan := panDigits(set)
	if pan != "" {
		info.Brand = brandFromBIN(pan)
		if len(pan) >= 6 {
			info.BIN6 = pan[:6]
		}
		if len(pan) >= 4 {
			info.PANMasked = strings.Repeat("*", len(pan)-4) + pan[len(pan)-4:]
		}
	}

	if aid, ok := tlv.Find(set, emv.TagAID); ok {
		info.AID = append([]byte(nil), aid.Value...)
	} else if aid, ok := tlv.Find(set, emv.TagDFName); ok {
		info.AID = append([]byte(nil), aid.Value...)
	}
	if info.Brand == BrandUnknown && len(info.AID) > 0 {
		info.Brand = brandFromAID(info.AID)
	}

	info.Type = cardType(set)

	info.IssuerCountry = codeFrom(set, emv.TagIssuerCountry, emv.TagTerminalCountry)
	info.Currency = codeFrom(set, emv.TagCurrency, emv.TagAppCurrency)
	info.CountryLabel = countryLabels[info.IssuerCountry]
	info.CurrencyLabel = currencyLabels[info.Currency]

	return info
}

func panDigits(set tlv.Set) string {
	pan, ok := tlv.Find(set, emv.TagPAN)
	if !ok || len(pan.Value) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, b := range pan.Value {
		hi, lo := b>>4, b&0x0F
		if hi > 9 {
			return sb.String()
		}
		sb.WriteByte('0' + hi)
		if lo > 9 {
			// Trailing F pads odd-length PANs.
			return sb.String()
		}
		sb.WriteByte('0' + lo)
	}
	return sb.String()
}

func brandFromBIN(pan string) Brand {
	for _, rule := range binRules {
		width := len(strconv.Itoa(rule.lo))
		if len(pan) < width {
			continue
		}
		prefix, err := strconv.Atoi(pan[:width])
		if err != nil {
			return BrandUnknown
		}
		if prefix >= rule.lo && prefix <= rule.hi {
			return rule.brand
		}
	}
	return BrandUnknown
}

func brandFromAID(aid []byte) Brand {
	hexAID := strings.ToUpper(hex.EncodeToString(aid))
	for _, entry := range aidPrefixes {
		if strings.HasPrefix(hexAID, entry.prefix) {
			return entry.brand
		}
	}
	return BrandUnknown
}

func cardType(set tlv.Set) Type {
	if auc, ok := tlv.Find(set, emv.TagAUC); ok && len(auc.Value) > 0 {
		if t, ok := aucTypes[auc.Value[0]]; ok {
			return t
		}
	}
	// Name heuristic promotes Unknown to Business only.
	if name, ok := tlv.Find(set, emv.TagCardholderName); ok {
		upper := strings.ToUpper(string(name.Value))
		for _, marker := range businessMarkers {
			if strings.Contains(upper, marker) {
				return Business
			}
		}
	}
	return TypeUnknown
}

// codeFrom normalizes a country or currency code to four uppercase hex
// digits, zero padded, keeping the low-order digits of longer values.
func codeFrom(set tlv.Set, primary, fallback uint16) string {
	node, ok := tlv.Find(set, primary)
	if !ok {
		if node, ok = tlv.Find(set, fallback); !ok {
			return ""
		}
	}
	s := strings.ToUpper(hex.EncodeToString(node.Value))
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}
