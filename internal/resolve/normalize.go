// Package resolve maps raw export rows to canonical patient identity keys.
package resolve

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/clinic-crm/internal/model"
)

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	digitsRe     = regexp.MustCompile(`\d+`)
)

// minPhoneDigits is the shortest number accepted as a phone (landline without
// area code is 7-8 digits and too collision-prone to key on).
const minPhoneDigits = 9

// NormalizeName standardizes a patient name for matching by:
//  1. Folding full-width and compatibility characters (NFKC)
//  2. Trimming whitespace and converting to uppercase
//  3. Stripping punctuation (periods, commas, quotes, parentheses)
//  4. Collapsing multiple spaces into single spaces
func NormalizeName(name string) string {
	name = norm.NFKC.String(name)
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToUpper(name)
	name = strings.NewReplacer(
		",", "",
		".", "",
		"'", "",
		"\"", "",
		"(", " ",
		")", " ",
		"-", " ",
	).Replace(name)

	name = multiSpaceRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}

// NormalizePhone reduces a phone number to digits. A Korean country prefix
// (+82 / 82) is folded into the domestic leading zero. Numbers shorter than
// minPhoneDigits normalize to "".
func NormalizePhone(phone string) string {
	phone = norm.NFKC.String(phone)
	hasPlus := strings.HasPrefix(strings.TrimSpace(phone), "+")
	digits := nonDigitRe.ReplaceAllString(phone, "")

	if strings.HasPrefix(digits, "82") && (hasPlus || len(digits) >= 11) {
		digits = "0" + strings.TrimPrefix(strings.TrimPrefix(digits, "82"), "0")
	}
	if len(digits) < minPhoneDigits {
		return ""
	}
	return digits
}

// NormalizeChartNo extracts the numeric chart number from cells such as
// `="000123"` that spreadsheet exports use to preserve leading zeros.
func NormalizeChartNo(chart string) string {
	m := digitsRe.FindString(chart)
	m = strings.TrimLeft(m, "0")
	return m
}

// KeyFor derives the identity key a record would be created under.
// Phone wins; otherwise name + birth date, otherwise name + chart number.
func KeyFor(rec model.RawRecord) (model.IdentityKey, bool) {
	if phone := NormalizePhone(rec.Phone); phone != "" {
		return model.IdentityKey("tel:" + phone), true
	}
	name := NormalizeName(rec.Name)
	if name == "" {
		return "", false
	}
	if !rec.BirthDate.IsZero() {
		return model.IdentityKey("nb:" + name + "|" + rec.BirthDate.Format("20060102")), true
	}
	if chart := NormalizeChartNo(rec.ChartNo); chart != "" {
		return model.IdentityKey("nc:" + name + "|" + chart), true
	}
	return "", false
}

func sameDay(a, b time.Time) bool {
	return model.Day(a).Equal(model.Day(b))
}
