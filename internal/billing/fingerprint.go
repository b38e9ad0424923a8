package billing

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint versions. The canonical field order is part of the contract:
// changing it invalidates every stored fingerprint, so any change must mint a
// new version prefix rather than silently altering v1.
const (
	fingerprintVersionContent  = "v1c"
	fingerprintVersionExternal = "v1x"
	fingerprintFieldSep        = "\x1f"
)

// Fingerprint derives the stable dedup key for an import row.
//
// When the source supplies an external transaction id, that id alone
// identifies the row: two rows sharing an external id are the same money no
// matter how their free-text fields differ. Without one, the hash covers the
// canonical join of date, amount, plot reference, payer name, phone and
// comment. Distinct real-world payments that agree on all six fields collide
// under the content hash; that is an accepted limitation of content-only
// hashing, mitigated by importers passing external ids whenever available.
func Fingerprint(row ImportRow) string {
	if ext := strings.TrimSpace(row.ExternalID); ext != "" {
		return fingerprintVersionExternal + ":" + hashFields(ext)
	}
	return fingerprintVersionContent + ":" + hashFields(
		row.Date.UTC().Format("2006-01-02"),
		row.Amount.String(),
		normalizeRef(row.PlotRef),
		normalizeRef(row.PayerName),
		digitsOnly(row.Phone),
		strings.TrimSpace(row.Comment),
	)
}

func hashFields(fields ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(fields, fingerprintFieldSep)))
	return hex.EncodeToString(sum[:])
}

func normalizeRef(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// digitsOnly strips a phone number down to its digits so formatting
// differences between statement exports do not defeat dedup or matching.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
