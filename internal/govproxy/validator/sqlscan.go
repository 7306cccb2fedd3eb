package validator

import (
	"regexp"
	"strings"
)

// scan holds the views of one SQL text that the rules run against.
type scan struct {
	// raw is the text as submitted
	raw string
	// masked keeps quotes but blanks the contents of string literals
	masked string
	// code is masked with comments removed, whitespace collapsed, upper-cased
	code string
	// balanced is false when a string literal is never closed
	balanced bool
}

var (
	blockCommentRegex = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineCommentRegex  = regexp.MustCompile(`--[^\n]*`)
	spaceRegex        = regexp.MustCompile(`\s+`)
)

func newScan(raw string) *scan {
	masked, balanced := blankLiterals(raw)
	return &scan{
		raw:      raw,
		masked:   masked,
		code:     strings.ToUpper(cleanSQLComments(masked)),
		balanced: balanced,
	}
}

// blankLiterals replaces the contents of single-quoted literals with spaces.
// A doubled quote inside a literal is an escaped quote.
func blankLiterals(sql string) (string, bool) {
	var b strings.Builder
	b.Grow(len(sql))
	inString := false
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if c == '\'' {
			if inString && i+1 < len(sql) && sql[i+1] == '\'' {
				b.WriteString("  ")
				i++
				continue
			}
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if inString {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), !inString
}

// cleanSQLComments removes /* block */ and -- line comments.
func cleanSQLComments(query string) string {
	cleaned := blockCommentRegex.ReplaceAllString(query, " ")
	cleaned = lineCommentRegex.ReplaceAllString(cleaned, " ")
	cleaned = spaceRegex.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

// firstKeyword returns the first word of code, skipping opening parentheses.
func firstKeyword(code string) string {
	s := strings.TrimLeft(code, "( ")
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

var joinRegex = regexp.MustCompile(`\bJOIN\b`)

func countJoins(code string) int {
	return len(joinRegex.FindAllStringIndex(code, -1))
}

// subqueryDepth returns how deeply SELECTs nest inside parentheses.
// A top-level SELECT has depth 0.
func subqueryDepth(code string) int {
	var stack []bool
	depth, maxDepth := 0, 0
	for i := 0; i < len(code); i++ {
		switch code[i] {
		case '(':
			rest := strings.TrimLeft(code[i+1:], " (")
			sub := strings.HasPrefix(rest, "SELECT") || strings.HasPrefix(rest, "WITH")
			stack = append(stack, sub)
			if sub {
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			}
		case ')':
			if n := len(stack); n > 0 {
				if stack[n-1] {
					depth--
				}
				stack = stack[:n-1]
			}
		}
	}
	return maxDepth
}

var identQuoteReplacer = strings.NewReplacer("[", "", "]", "", `"`, "", "`", "")

var (
	// functions whose argument syntax contains FROM
	fromFuncRegex    = regexp.MustCompile(`\b(?:EXTRACT|SUBSTRING|TRIM|OVERLAY|POSITION)\s*\([^()]*\)`)
	tableRefRegex    = regexp.MustCompile(`\b(FROM|JOIN)\s+([A-Z_][A-Z0-9_$]*(?:\.[A-Z_][A-Z0-9_$]*)*)`)
	fromListEndRegex = regexp.MustCompile(`\b(?:WHERE|JOIN|INNER|LEFT|RIGHT|FULL|CROSS|NATURAL|GROUP|ORDER|HAVING|LIMIT|OFFSET|FETCH|UNION|ON|WINDOW)\b|[();]`)
	commaTableRegex  = regexp.MustCompile(`,\s*([A-Z_][A-Z0-9_$]*(?:\.[A-Z_][A-Z0-9_$]*)*)`)
	cteNameRegex     = regexp.MustCompile(`(?:\bWITH\s+(?:RECURSIVE\s+)?|,\s*)([A-Z_][A-Z0-9_]*)\s+AS\s*\(`)
)

// extractTables returns the upper-cased table names referenced by FROM and
// JOIN clauses, including comma-separated FROM lists. CTE names are excluded.
func extractTables(code string) []string {
	query := identQuoteReplacer.Replace(code)
	query = fromFuncRegex.ReplaceAllString(query, " ")

	ctes := map[string]bool{}
	for _, m := range cteNameRegex.FindAllStringSubmatch(query, -1) {
		ctes[m[1]] = true
	}

	seen := map[string]bool{}
	var tables []string
	add := func(name string) {
		if isReservedWord(lastSegment(name)) || ctes[name] || seen[name] {
			return
		}
		seen[name] = true
		tables = append(tables, name)
	}

	for _, loc := range tableRefRegex.FindAllStringSubmatchIndex(query, -1) {
		add(query[loc[4]:loc[5]])
		if query[loc[2]:loc[3]] != "FROM" {
			continue
		}
		// FROM a x, b y: the list runs until the next clause keyword
		rest := query[loc[1]:]
		if end := fromListEndRegex.FindStringIndex(rest); end != nil {
			rest = rest[:end[0]]
		}
		for _, c := range commaTableRegex.FindAllStringSubmatch(rest, -1) {
			add(c[1])
		}
	}
	return tables
}

func lastSegment(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// isReservedWord checks if a word is a common SQL reserved word that shouldn't be treated as a table name
func isReservedWord(word string) bool {
	reserved := map[string]bool{
		"SELECT": true, "FROM": true, "WHERE": true, "INSERT": true, "UPDATE": true, "DELETE": true,
		"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "ON": true,
		"SET": true, "VALUES": true, "INTO": true, "AS": true, "AND": true, "OR": true,
		"ORDER": true, "BY": true, "GROUP": true, "HAVING": true, "LIMIT": true, "OFFSET": true,
		"UNION": true, "ALL": true, "DISTINCT": true, "NULL": true, "NOT": true, "IN": true,
		"EXISTS": true, "LATERAL": true, "ONLY": true, "DUAL": true, "UNNEST": true,
		"CROSS": true, "OUTER": true, "NATURAL": true, "USING": true, "WITH": true,
	}
	return reserved[word]
}
