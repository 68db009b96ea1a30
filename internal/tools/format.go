package tools

import (
	"fmt"
	"strings"

	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/model"
)

// FormatPrice renders cents as a client-facing price string,
// e.g. "$1,234.50 MXN".
func FormatPrice(cents int64, currency string) string {
	if currency == "" {
		currency = "MXN"
	}
	whole := cents / 100
	frac := cents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("$%s.%02d %s", groupThousands(whole), frac, currency)
}

func groupThousands(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := fmt.Sprintf("%d", n)
	var parts []string
	for len(digits) > 3 {
		parts = append([]string{digits[len(digits)-3:]}, parts...)
		digits = digits[:len(digits)-3]
	}
	parts = append([]string{digits}, parts...)
	return sign + strings.Join(parts, ",")
}

// DefaultLocalityMatcher treats a branch as local when the client's
// postal-code prefix matches the branch's, or the branch city appears in
// the client's address.
func DefaultLocalityMatcher(profile model.ClientProfile, row erp.StockRow) bool {
	if profile.PostalCode != "" && row.PostalPrefix != "" {
		if strings.HasPrefix(profile.PostalCode, row.PostalPrefix) {
			return true
		}
	}
	if profile.Address != "" && row.City != "" {
		if strings.Contains(strings.ToLower(profile.Address), strings.ToLower(row.City)) {
			return true
		}
	}
	return false
}
