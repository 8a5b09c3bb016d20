// Package emv holds the static EMV tag dictionary shared by the codec,
// the analyzer, and the bypass engine.
package emv

import "fmt"

// Tag IDs from the EMV dictionary.
const (
	TagAID               uint16 = 0x4F
	TagApplicationLabel  uint16 = 0x50
	TagTrack2            uint16 = 0x57
	TagPAN               uint16 = 0x5A
	TagCardholderName    uint16 = 0x5F20
	TagExpiryDate        uint16 = 0x5F24
	TagIssuerCountry     uint16 = 0x5F28
	TagCurrency          uint16 = 0x5F2A
	TagServiceCode       uint16 = 0x5F30
	TagDFName            uint16 = 0x84
	TagCVMList           uint16 = 0x8E
	TagIssuerPubKeyCert  uint16 = 0x90
	TagIssuerPubKeyRem   uint16 = 0x92
	TagTVR               uint16 = 0x95
	TagAmountAuthorised  uint16 = 0x9F02
	TagAUC               uint16 = 0x9F07
	TagIssuerAppData     uint16 = 0x9F10
	TagTerminalCountry   uint16 = 0x9F1A
	TagTerminalFloor     uint16 = 0x9F1B
	TagAppCryptogram     uint16 = 0x9F26
	TagCryptogramInfo    uint16 = 0x9F27
	TagIssuerPubKeyExp   uint16 = 0x9F32
	TagTerminalCaps      uint16 = 0x9F33
	TagCVMResults        uint16 = 0x9F34
	TagTerminalType      uint16 = 0x9F35
	TagATC               uint16 = 0x9F36
	TagSignature         uint16 = 0x9F45
	TagAppCurrency       uint16 = 0x9F51
	TagCTQ               uint16 = 0x9F6C
	TagFCITemplate       uint16 = 0x6F
	TagRMTemplateFormat2 uint16 = 0x77
)

// tagNames is the static dispatch table. Tags absent here are carried as
// opaque primitives and never introspected.
var tagNames = map[uint16]string{
	TagAID:               "application_identifier",
	TagApplicationLabel:  "application_label",
	TagTrack2:            "track2_equivalent",
	TagPAN:               "application_pan",
	TagCardholderName:    "cardholder_name",
	TagExpiryDate:        "application_expiry",
	TagIssuerCountry:     "issuer_country_code",
	TagCurrency:          "transaction_currency",
	TagServiceCode:       "service_code",
	TagDFName:            "df_name",
	TagCVMList:           "cvm_list",
	TagIssuerPubKeyCert:  "issuer_pubkey_certificate",
	TagIssuerPubKeyRem:   "issuer_pubkey_remainder",
	TagTVR:               "terminal_verification_results",
	TagAmountAuthorised:  "amount_authorised",
	TagAUC:               "application_usage_control",
	TagIssuerAppData:     "issuer_application_data",
	TagTerminalCountry:   "terminal_country_code",
	TagTerminalFloor:     "terminal_floor_limit",
	TagAppCryptogram:     "application_cryptogram",
	TagCryptogramInfo:    "cryptogram_information_data",
	TagIssuerPubKeyExp:   "issuer_pubkey_exponent",
	TagTerminalCaps:      "terminal_capabilities",
	TagCVMResults:        "cvm_results",
	TagTerminalType:      "terminal_type",
	TagATC:               "application_transaction_counter",
	TagSignature:         "relay_signature",
	TagAppCurrency:       "application_currency",
	TagCTQ:               "card_transaction_qualifiers",
	TagFCITemplate:       "fci_template",
	TagRMTemplateFormat2: "response_message_template_2",
}

// protectedTags can never appear in a bypass plan: card identity, expiry,
// cryptogram material, and issuer public-key data stay untouched.
var protectedTags = map[uint16]struct{}{
	TagPAN:              {},
	TagExpiryDate:       {},
	TagAppCryptogram:    {},
	TagCryptogramInfo:   {},
	TagATC:              {},
	TagIssuerPubKeyCert: {},
	TagIssuerPubKeyRem:  {},
	TagIssuerPubKeyExp:  {},
}

// TagName returns the semantic name for a known tag, or a hex placeholder.
func TagName(tag uint16) string {
	if name, ok := tagNames[tag]; ok {
		return name
	}
	return fmt.Sprintf("tag_%X", tag)
}

// Known reports whether the tag is in the dictionary.
func Known(tag uint16) bool {
	_, ok := tagNames[tag]
	return ok
}

// Protected reports whether a tag belongs to the protected set.
func Protected(tag uint16) bool {
	_, ok := protectedTags[tag]
	return ok
}

// ProtectedTags returns the protected set in ascending tag order.
func ProtectedTags() []uint16 {
	out := make([]uint16, 0, len(protectedTags))
	for tag := range protectedTags {
		out = append(out, tag)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
