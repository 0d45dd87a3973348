package invoice

import (
	"regexp"
	"strings"
)

// State code 01-37, PAN block, entity digit, literal Z, checksum char.
var gstinPattern = regexp.MustCompile(`^([0][1-9]|[1-2][0-9]|[3][0-7])[A-Z]{5}[0-9]{4}[A-Z][0-9A-Z]Z[0-9A-Z]$`)

// VerifyGSTIN reports whether a 15-character Indian GST identification
// number is well-formed and carries a valid base-36 checksum.
func VerifyGSTIN(gstin string) bool {
	if len(gstin) != 15 {
		return false
	}
	gstin = strings.ToUpper(gstin)
	if !gstinPattern.MatchString(gstin) {
		return false
	}

	total := 0
	for i := 0; i < 14; i++ {
		code := charCode(gstin[i])
		multiplier := 1
		if i%2 == 1 {
			multiplier = 2
		}
		product := code * multiplier
		total += product/36 + product%36
	}
	check := (36 - total%36) % 36
	return codeChar(check) == gstin[14]
}

func charCode(c byte) int {
	if c >= '0' && c <= '9' {
		return int(c - '0')
	}
	return int(c-'A') + 10
}

func codeChar(code int) byte {
	if code < 10 {
		return byte('0' + code)
	}
	return byte('A' + code - 10)
}
