package fiscal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Date shapes accepted by NormalizeDate. Anything else is rejected.
var (
	reISODate      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	reEuropeanDate = regexp.MustCompile(`^(\d{2})/(\d{2})/(\d{4})$`)
	reSlashISODate = regexp.MustCompile(`^(\d{4})/(\d{2})/(\d{2})$`)
	reCompactDate  = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
)

// NormalizeDate parses one of the four accepted textual date shapes and
// returns the canonical YYYY-MM-DD form. It validates that the triple is a
// real calendar date by reconstructing it and comparing components back, so
// impossible combinations such as 31 April are rejected. Returns ok=false on
// any other shape or invalid date; never panics.
func NormalizeDate(input string) (string, bool) {
	s := strings.TrimSpace(input)

	var year, month, day int
	switch {
	case reISODate.MatchString(s):
		m := reISODate.FindStringSubmatch(s)
		year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
	case reEuropeanDate.MatchString(s):
		m := reEuropeanDate.FindStringSubmatch(s)
		year, month, day = atoi(m[3]), atoi(m[2]), atoi(m[1])
	case reSlashISODate.MatchString(s):
		m := reSlashISODate.FindStringSubmatch(s)
		year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
	case reCompactDate.MatchString(s):
		m := reCompactDate.FindStringSubmatch(s)
		year, month, day = atoi(m[1]), atoi(m[2]), atoi(m[3])
	default:
		return "", false
	}

	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}

	// time.Date normalizes overflow (April 31 -> May 1), so round-trip the
	// components to catch impossible dates.
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return "", false
	}

	return fmt.Sprintf("%04d-%02d-%02d", year, month, day), true
}

// FiscalPeriod derives the YYYYMM period from a normalized document date.
// The period is always derived, never taken verbatim from extraction output.
func FiscalPeriod(date string) (string, bool) {
	m := reISODate.FindStringSubmatch(strings.TrimSpace(date))
	if m == nil {
		return "", false
	}
	return m[1] + m[2], true
}

// currencyNoise covers symbols and codes the extraction source tends to leave
// attached to amounts.
var currencyNoise = strings.NewReplacer("€", "", "$", "", "EUR", "", " ", "", " ", "")

// ParseAmount coerces a dynamically typed extraction value into a currency
// amount rounded to the cent (half-up). Numeric JSON types are accepted
// directly; strings are stripped of currency symbols and whitespace, and
// decimal separators are disambiguated: when a comma is present, dots are
// thousands separators and the comma is the decimal point.
func ParseAmount(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, false
	case float64:
		return decimal.NewFromFloat(v).Round(2), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case decimal.Decimal:
		return v.Round(2), true
	case string:
		cleaned := currencyNoise.Replace(strings.TrimSpace(v))
		if cleaned == "" {
			return decimal.Zero, false
		}
		if strings.Contains(cleaned, ",") {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Zero, false
		}
		return d.Round(2), true
	default:
		return decimal.Zero, false
	}
}

var (
	reCountryPrefix = regexp.MustCompile(`^[A-Za-z]{2}`)
	reNonDigit      = regexp.MustCompile(`\D`)
	reForeignVAT    = regexp.MustCompile(`^[A-Z]{2}[A-Za-z0-9]{2,}$`)
)

// ExtractNIF recovers a 9-digit national identifier candidate from noisy
// extraction output: a leading 2-letter country prefix is stripped, then all
// non-digits; the candidate is accepted only if exactly 9 digits remain.
// The result is a candidate, not a validated identifier.
func ExtractNIF(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	s = reCountryPrefix.ReplaceAllString(s, "")
	s = reNonDigit.ReplaceAllString(s, "")
	if len(s) != 9 {
		return "", false
	}
	return s, true
}

// ForeignVATID recognizes a foreign VAT identifier: two uppercase letters
// followed by at least two alphanumerics. An identifier that would also parse
// as a 9-digit or PT-prefixed national id is explicitly rejected, keeping the
// two supplier-identifier fields mutually exclusive.
func ForeignVATID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if !reForeignVAT.MatchString(s) {
		return "", false
	}
	if strings.HasPrefix(s, "PT") {
		return "", false
	}
	if _, ok := ExtractNIF(s); ok {
		return "", false
	}
	return s, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
