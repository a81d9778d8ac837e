package ledger

import "strings"

// Known decorations seen on ledger source references. Historic imports
// wrote "AMZ-<order id>" and B2B re-imports appended "/B2B"; manual entries
// sometimes carry stray whitespace.
var (
	refPrefixes = []string{"AMZ-", "AMZN-", "MKT-"}
	refSuffixes = []string{"/B2B", "/RESEND"}
)

// DefaultRefNormalizer strips known prefixes/suffixes and whitespace from a
// ledger source reference so it can be compared to a bare order id.
func DefaultRefNormalizer(ref string) string {
	out := strings.TrimSpace(ref)
	for _, p := range refPrefixes {
		if strings.HasPrefix(strings.ToUpper(out), p) {
			out = out[len(p):]
			break
		}
	}
	for _, s := range refSuffixes {
		if strings.HasSuffix(strings.ToUpper(out), s) {
			out = out[:len(out)-len(s)]
			break
		}
	}
	return strings.TrimSpace(out)
}
