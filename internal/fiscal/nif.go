package fiscal

import "strings"

// NIFFailure classifies why a tax identifier was rejected.
type NIFFailure string

const (
	// FailureNone means the identifier is valid.
	FailureNone NIFFailure = ""

	// WrongLength is returned when the input is not exactly 9 ASCII digits
	// after stripping whitespace.
	WrongLength NIFFailure = "wrong_length"

	// InvalidCategory is returned when the first digit is not a recognized
	// taxpayer category.
	InvalidCategory NIFFailure = "invalid_category"

	// ChecksumMismatch is returned when the mod-11 check digit does not match.
	ChecksumMismatch NIFFailure = "checksum_mismatch"
)

// nifCategories is the fixed set of allowed leading digits for a NIF.
var nifCategories = map[byte]bool{
	'1': true, '2': true, '3': true,
	'5': true, '6': true, '8': true, '9': true,
}

// ValidateNIF checks a 9-digit national tax identifier. It is pure and total:
// malformed input yields a failure reason, never a panic.
//
// The check digit is computed over the first 8 digits with descending weights
// 9..2; remainder = sum mod 11; expected digit is 0 when the remainder is 0
// or 1, otherwise 11 - remainder.
func ValidateNIF(id string) (bool, NIFFailure) {
	digits := stripSpaces(id)
	if len(digits) != 9 || !allDigits(digits) {
		return false, WrongLength
	}
	if !nifCategories[digits[0]] {
		return false, InvalidCategory
	}

	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(digits[i]-'0') * (9 - i)
	}
	expected := 11 - sum%11
	if expected >= 10 {
		expected = 0
	}
	if int(digits[8]-'0') != expected {
		return false, ChecksumMismatch
	}
	return true, FailureNone
}

// nissWeights is the fixed prime-weight table for the 11-digit social
// identifier scheme.
var nissWeights = [10]int{29, 23, 19, 17, 13, 11, 7, 5, 3, 2}

// ValidateNISS checks an 11-digit social security identifier. The field is
// optional, so empty input is valid for this scheme only.
func ValidateNISS(id string) (bool, NIFFailure) {
	digits := stripSpaces(id)
	if digits == "" {
		return true, FailureNone
	}
	if len(digits) != 11 || !allDigits(digits) {
		return false, WrongLength
	}

	sum := 0
	for i := 0; i < 10; i++ {
		sum += int(digits[i]-'0') * nissWeights[i]
	}
	expected := 9 - sum%10
	if int(digits[10]-'0') != expected {
		return false, ChecksumMismatch
	}
	return true, FailureNone
}

func stripSpaces(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
