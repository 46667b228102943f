package persona

import (
	"regexp"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// international numbers need the leading +; national ones need 3-3-4 grouping
	phonePattern = regexp.MustCompile(`\+\d[\d .\-()]{6,}\d|(?:\(\d{2,4}\)[ .\-]?|\b\d{3}[ .\-])\d{3}[ .\-]\d{4}\b`)
	// a continuous run or four-digit groups, confirmed by the Luhn checksum
	cardPattern = regexp.MustCompile(`\b(?:\d{13,19}|\d{4}(?:[ \-]\d{4}){2}[ \-]\d{1,7})\b`)
)

// ApplyScope filters reply text to what the persona's display scope may see.
func ApplyScope(scope contractx.DisplayScope, text string) (string, bool) {
	switch scope {
	case contractx.ScopeAll:
		return text, false
	case contractx.ScopeCohort:
		out, cardHit := redactCards(text)
		out, phoneHit := replace(phonePattern, out, "[REDACTED_PHONE]")
		return out, cardHit || phoneHit
	default:
		out, emailHit := replace(emailPattern, text, "[REDACTED_EMAIL]")
		out, cardHit := redactCards(out)
		out, phoneHit := replace(phonePattern, out, "[REDACTED_PHONE]")
		return out, emailHit || cardHit || phoneHit
	}
}

func replace(re *regexp.Regexp, in, with string) (string, bool) {
	out := re.ReplaceAllString(in, with)
	return out, out != in
}

func redactCards(in string) (string, bool) {
	hit := false
	out := cardPattern.ReplaceAllStringFunc(in, func(m string) string {
		if !luhnValid(m) {
			return m
		}
		hit = true
		return "[REDACTED_CARD]"
	})
	return out, hit
}

// luhnValid reports whether the digits in s form a 13 to 19 digit number
// with a valid Luhn checksum. Separators are ignored.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
