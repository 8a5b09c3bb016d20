// Package emv and its subpackages own EMV payload concerns.
//
// Ownership boundary:
// - tag dictionary and protected set (this package)
// - tlv: BER-TLV codec and edit plans
// - card: brand/type/terminal analysis
// - bypass: strategy selection and plan materialization
// - signer: 9F45 relay signature
package emv
