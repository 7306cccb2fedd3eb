package pii

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/araddon/dateparse"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// MatchCandidate is one matcher's opinion of a value.
type MatchCandidate struct {
	Type       model.PIIType
	Confidence float64
}

// Matcher classifies a single trimmed value.
type Matcher struct {
	Type  model.PIIType
	Match func(value string) []MatchCandidate
}

func candidate(t model.PIIType, c float64) []MatchCandidate {
	return []MatchCandidate{{Type: t, Confidence: c}}
}

// matchers returns the ordered matcher table. now is used by the
// DateOfBirth matcher to compute ages.
func matchers(now func() time.Time) []Matcher {
	return []Matcher{
		{model.PIIEmail, matchEmail},
		{model.PIISSN, matchSSN},
		{model.PIICreditCard, matchCreditCard},
		{model.PIIPhone, matchPhone},
		{model.PIIAddress, matchAddress},
		{model.PIIDateOfBirth, dobMatcher(now)},
		{model.PIIPersonName, matchPersonName},
	}
}

var (
	emailFullRegex     = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}$`)
	emailEmbeddedRegex = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}`)
)

func matchEmail(v string) []MatchCandidate {
	if emailFullRegex.MatchString(v) {
		local := v[:strings.IndexByte(v, '@')]
		if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") || strings.Contains(local, "..") {
			return nil
		}
		return candidate(model.PIIEmail, 0.95)
	}
	if emailEmbeddedRegex.MatchString(v) {
		return candidate(model.PIIEmail, 0.80)
	}
	return nil
}

var (
	ssnRegex     = regexp.MustCompile(`^(\d{3})([- ])(\d{2})([- ])(\d{4})$`)
	nineDigitRex = regexp.MustCompile(`^\d{9}$`)
)

func matchSSN(v string) []MatchCandidate {
	if m := ssnRegex.FindStringSubmatch(v); m != nil {
		if m[2] != m[4] {
			return nil
		}
		if validSSNBlocks(m[1], m[3], m[5]) {
			return candidate(model.PIISSN, 0.90)
		}
		return candidate(model.PIISSN, 0.40)
	}
	if nineDigitRex.MatchString(v) {
		return candidate(model.PIISSN, 0.40)
	}
	return nil
}

// validSSNBlocks applies the SSA rules: area is not 000, 666 or 9xx, group
// is not 00 and serial is not 0000.
func validSSNBlocks(area, group, serial string) bool {
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

var cardShapeRegex = regexp.MustCompile(`^\d+(?:[ -]\d+)*$`)

func matchCreditCard(v string) []MatchCandidate {
	if !cardShapeRegex.MatchString(v) {
		return nil
	}
	digits := strings.NewReplacer(" ", "", "-", "").Replace(v)
	if len(digits) < 13 || len(digits) > 19 {
		return nil
	}
	if !Luhn(digits) {
		return nil
	}
	if knownIIN(digits) {
		return candidate(model.PIICreditCard, 0.95)
	}
	return candidate(model.PIICreditCard, 0.90)
}

// knownIIN reports whether the issuer prefix and length belong to a major
// card network.
func knownIIN(d string) bool {
	n := len(d)
	prefix := func(k int) int {
		v := 0
		for i := 0; i < k && i < n; i++ {
			v = v*10 + int(d[i]-'0')
		}
		return v
	}
	switch {
	case d[0] == '4':
		return n == 13 || n == 16 || n == 19
	case prefix(2) >= 51 && prefix(2) <= 55, prefix(4) >= 2221 && prefix(4) <= 2720:
		return n == 16
	case prefix(2) == 34 || prefix(2) == 37:
		return n == 15
	case prefix(4) == 6011 || prefix(2) == 65 || prefix(3) >= 644 && prefix(3) <= 649:
		return n >= 16 && n <= 19
	case prefix(4) >= 3528 && prefix(4) <= 3589:
		return n >= 16 && n <= 19
	}
	return false
}

var (
	phoneNANPRegex = regexp.MustCompile(`^(?:\+?1[ .-]?)?(?:\(\d{3}\)\s?|\d{3}[ .-])\d{3}[ .-]\d{4}$`)
	phoneBareRegex = regexp.MustCompile(`^\d{10}$`)
	phoneE164Regex = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)
)

func matchPhone(v string) []MatchCandidate {
	switch {
	case phoneNANPRegex.MatchString(v):
		return candidate(model.PIIPhone, 0.80)
	case phoneE164Regex.MatchString(v):
		return candidate(model.PIIPhone, 0.75)
	case phoneBareRegex.MatchString(v):
		return candidate(model.PIIPhone, 0.60)
	}
	return nil
}

var (
	streetRegex = regexp.MustCompile(`(?i)^\d{1,6}[A-Za-z]?\s+(?:[A-Za-z0-9.'-]+\s+){1,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|terrace|ter|circle|cir|parkway|pkwy|highway|hwy|square|sq|trail|trl)\.?(?:[\s,]|$)`)
	poBoxRegex  = regexp.MustCompile(`(?i)\bP\.?\s*O\.?\s*Box\s+\d+`)
	zipTailRgx  = regexp.MustCompile(`\b\d{5}(?:-\d{4})?$`)
	zipOnlyRgx  = regexp.MustCompile(`^\d{5}(?:-\d{4})?$`)
)

func matchAddress(v string) []MatchCandidate {
	switch {
	case streetRegex.MatchString(v):
		if zipTailRgx.MatchString(v) {
			return candidate(model.PIIAddress, 0.90)
		}
		return candidate(model.PIIAddress, 0.80)
	case poBoxRegex.MatchString(v):
		return candidate(model.PIIAddress, 0.75)
	case zipOnlyRgx.MatchString(v):
		return candidate(model.PIIAddress, 0.30)
	}
	return nil
}

// dateShapeRegex accepts calendar dates only. Values with a time of day are
// event timestamps, not birth dates.
var dateShapeRegex = regexp.MustCompile(`(?i)^(?:` +
	`\d{4}[-/.]\d{1,2}[-/.]\d{1,2}` +
	`|\d{1,2}[-/.]\d{1,2}[-/.]\d{4}` +
	`|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}` +
	`|\d{1,2}\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+\d{4}` +
	`)$`)

func dobMatcher(now func() time.Time) func(string) []MatchCandidate {
	return func(v string) []MatchCandidate {
		if !dateShapeRegex.MatchString(v) {
			return nil
		}
		t, err := dateparse.ParseIn(v, time.UTC)
		if err != nil {
			t, err = dateparse.ParseIn(v, time.UTC, dateparse.PreferMonthFirst(false))
			if err != nil {
				return nil
			}
		}
		ref := now().UTC()
		if t.After(ref) {
			return nil
		}
		years := ageInYears(t, ref)
		switch {
		case years >= 1 && years <= 120:
			return candidate(model.PIIDateOfBirth, 0.55)
		case years < 1:
			return candidate(model.PIIDateOfBirth, 0.30)
		}
		return nil
	}
}

func ageInYears(born, ref time.Time) int {
	years := ref.Year() - born.Year()
	if ref.YearDay() < born.YearDay() {
		years--
	}
	return years
}

var (
	nameTokenRegex    = regexp.MustCompile(`^[A-Z][a-z]+(?:['-][A-Z]?[a-z]+)*$`)
	initialTokenRegex = regexp.MustCompile(`^[A-Z]\.?$`)
)

func matchPersonName(v string) []MatchCandidate {
	tokens := strings.Fields(v)
	if len(tokens) < 2 || len(tokens) > 3 {
		return nil
	}
	for i, tok := range tokens {
		middle := len(tokens) == 3 && i == 1
		if !nameTokenRegex.MatchString(tok) && !(middle && initialTokenRegex.MatchString(tok)) {
			return nil
		}
	}
	conf := 0.45
	if _, ok := commonFirstNames[normalizeName(tokens[0])]; ok {
		conf = 0.70
	}
	if _, ok := commonSurnames[normalizeName(tokens[len(tokens)-1])]; ok {
		conf += 0.10
	}
	return candidate(model.PIIPersonName, conf)
}

func normalizeName(tok string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, tok)
}
