package validator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// Finding kinds.
const (
	KindEmptyQuery         = "EmptyQuery"
	KindQueryTooLong       = "QueryTooLong"
	KindStatementType      = "StatementType"
	KindForbiddenStatement = "ForbiddenStatement"
	KindStackedQuery       = "StackedQuery"
	KindSelectInto         = "SelectInto"
	KindSQLInjection       = "SqlInjection"
	KindUnionInjection     = "UnionInjection"
	KindCommentEvasion     = "CommentEvasion"
	KindCommandExecution   = "CommandExecution"
	KindUnbalancedQuotes   = "UnbalancedQuotes"
	KindSystemCatalog      = "SystemCatalog"
	KindPerformanceAttack  = "PerformanceAttack"
	KindUndeclaredTable    = "UndeclaredTable"
)

const (
	recParameterize   = "pass user input through the parameters map instead of concatenating it into sqlQuery"
	recSingleSelect   = "submit a single read-only SELECT statement"
	recExplicitCols   = "select explicit columns instead of *"
	recFilter         = "add a WHERE clause or LIMIT to bound the rows read"
	recAppTables      = "query application tables instead of system catalogs"
	recSimplify       = "split the query or reduce joins and nested subqueries"
	recDeclareTables  = "list every table the query reads in requestedTables"
	recNoComments     = "remove comments from the query text"
	recNoTimingProbes = "remove timing functions from the query"
)

// report accumulates the outcome of every rule for one query.
type report struct {
	risks           []model.Finding
	warnings        []string
	recommendations []string
	failures        []string
	// perf counts performance-attack signals; riskWarnings counts other
	// warnings that indicate risk rather than missing metadata.
	perf         int
	riskWarnings int
}

func (r *report) finding(kind string, sev model.Severity, pattern, msg string) {
	r.risks = append(r.risks, model.Finding{Kind: kind, Pattern: pattern, Severity: sev, Message: msg})
	if sev >= model.SeverityHigh {
		r.fail(fmt.Sprintf("%s: %s", kind, msg))
	}
}

func (r *report) fail(reason string) {
	r.failures = append(r.failures, reason)
}

func (r *report) warn(msg string, risk bool) {
	r.warnings = append(r.warnings, msg)
	if risk {
		r.riskWarnings++
	}
}

func (r *report) recommend(rec string) {
	for _, existing := range r.recommendations {
		if existing == rec {
			return
		}
	}
	r.recommendations = append(r.recommendations, rec)
}

// rule inspects one scan and records into the report.
type rule func(v *Validator, s *scan, q *model.AgentQuery, r *report)

// rules run in order; none of them short-circuits the others.
var rules = []rule{
	statementRule,
	injectionRule,
	catalogRule,
	performanceRule,
	complexityRule,
	declaredTablesRule,
}

var (
	forbiddenRegex  = regexp.MustCompile(`\b(INSERT|UPDATE|DELETE|DROP|ALTER|TRUNCATE|EXEC|EXECUTE|CREATE|GRANT|REVOKE|MERGE)\b`)
	stackedRegex    = regexp.MustCompile(`;\s*\S`)
	selectIntoRegex = regexp.MustCompile(`\bSELECT\b[^;]*?\bINTO\s+([A-Z_#@][A-Z0-9_.#@]*)`)
)

func statementRule(_ *Validator, s *scan, _ *model.AgentQuery, r *report) {
	kw := firstKeyword(s.code)
	forbidden := forbiddenRegex.FindAllString(s.code, -1)

	switch {
	case kw == "SELECT":
	case kw == "WITH" && strings.Contains(s.code, "SELECT"):
	case forbiddenRegex.MatchString(kw):
		// reported below
	default:
		r.finding(KindStatementType, model.SeverityCritical, kw, fmt.Sprintf("statement type %q is not allowed, only SELECT", kw))
	}

	seen := map[string]bool{}
	for _, f := range forbidden {
		if seen[f] {
			continue
		}
		seen[f] = true
		r.finding(KindForbiddenStatement, model.SeverityCritical, f, fmt.Sprintf("%s is not a read-only operation", f))
	}

	if loc := stackedRegex.FindStringIndex(s.code); loc != nil {
		r.finding(KindStackedQuery, model.SeverityCritical, s.code[loc[0]:loc[1]], "multiple statements separated by ';'")
	}

	if m := selectIntoRegex.FindStringSubmatch(s.code); m != nil && m[1] != "OUTFILE" && m[1] != "DUMPFILE" {
		r.finding(KindSelectInto, model.SeverityCritical, "INTO "+m[1], "SELECT ... INTO writes data")
	}

	if len(forbidden) > 0 || len(r.risks) > 0 {
		r.recommend(recSingleSelect)
	}
}

func mustRegexp2(pattern string) *regexp2.Regexp {
	re := regexp2.MustCompile(pattern, regexp2.IgnoreCase)
	re.MatchTimeout = 100 * time.Millisecond
	return re
}

var (
	// OR 1=1, OR x=x, OR TRUE
	orTautologyRegex = mustRegexp2(`\bOR\s+(?:(\d+|[a-z_]\w*)\s*=\s*\1\b|TRUE\b)`)
	// OR 'a'='a', checked on the raw text
	orStringTautologyRegex = mustRegexp2(`\bOR\s+'([^']*)'\s*=\s*'\1'`)
	// WHERE 1=1 / AND 1=1
	whereTautologyRegex = mustRegexp2(`\b(?:WHERE|AND)\s+(\d+|'[^']*')\s*=\s*\1(?!\w)`)

	quotedOrRegex     = regexp.MustCompile(`(?i)'\s*OR\s*'`)
	unionSelectRegex  = regexp.MustCompile(`\bUNION\s+(?:ALL\s+)?SELECT\b`)
	gluedCommentRegex = regexp.MustCompile(`(?s)\w/\*.*?\*/|/\*.*?\*/\w`)
	commandExecRegex  = regexp.MustCompile(`\b(XP_CMDSHELL|SP_EXECUTESQL|SP_OACREATE|OPENROWSET|OPENQUERY|OPENDATASOURCE)\b|\bLOAD_FILE\s*\(|\bINTO\s+(?:OUTFILE|DUMPFILE)\b`)
)

// findRegexp2 returns the first match of re in s, or "" when there is none
// or the match timed out.
func findRegexp2(re *regexp2.Regexp, s string) string {
	m, err := re.FindStringMatch(s)
	if err != nil || m == nil {
		return ""
	}
	return m.String()
}

func injectionRule(_ *Validator, s *scan, _ *model.AgentQuery, r *report) {
	before := len(r.risks)

	if m := findRegexp2(orTautologyRegex, s.code); m != "" {
		r.finding(KindSQLInjection, model.SeverityCritical, m, "always-true OR condition")
	} else if m := findRegexp2(orStringTautologyRegex, s.raw); m != "" {
		r.finding(KindSQLInjection, model.SeverityCritical, m, "always-true OR condition")
	}
	if m := quotedOrRegex.FindString(s.raw); m != "" {
		r.finding(KindSQLInjection, model.SeverityCritical, m, "quote-delimited OR injection")
	}
	if m := unionSelectRegex.FindString(s.code); m != "" {
		r.finding(KindUnionInjection, model.SeverityCritical, m, "UNION-based data exfiltration")
	}
	if strings.Contains(s.masked, "--") {
		r.finding(KindCommentEvasion, model.SeverityCritical, "--", "line comment can truncate the query")
	}
	if m := gluedCommentRegex.FindString(s.masked); m != "" {
		r.finding(KindCommentEvasion, model.SeverityCritical, m, "block comment inside a keyword")
	} else if blockCommentRegex.MatchString(s.masked) {
		r.warn("query contains a block comment", true)
		r.recommend(recNoComments)
	}
	for _, m := range commandExecRegex.FindAllString(s.code, -1) {
		r.finding(KindCommandExecution, model.SeverityCritical, m, "command execution or file access primitive")
	}
	if !s.balanced {
		r.finding(KindUnbalancedQuotes, model.SeverityHigh, "'", "unbalanced single quotes")
	}

	if m := findRegexp2(whereTautologyRegex, s.raw); m != "" {
		r.warn(fmt.Sprintf("tautological predicate %q", m), true)
	}

	if len(r.risks) > before {
		r.recommend(recParameterize)
	}
}

var (
	systemCatalogRegex = regexp.MustCompile(`\bSYS\.[A-Z_]\w*|\bSYSOBJECTS\b|\bSYSCOLUMNS\b|\bSYSUSERS\b|\bMASTER\s*\.\s*\.|\bMASTER\.DBO\.|\bPG_CATALOG\.|\bPG_SHADOW\b|\bPG_AUTHID\b|\bMYSQL\.USER\b`)
	infoSchemaRegex    = regexp.MustCompile(`\bINFORMATION_SCHEMA\.[A-Z_]\w*`)
)

func catalogRule(v *Validator, s *scan, _ *model.AgentQuery, r *report) {
	seen := map[string]bool{}
	for _, m := range systemCatalogRegex.FindAllString(s.code, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		r.finding(KindSystemCatalog, model.SeverityHigh, m, "system catalog access")
		r.recommend(recAppTables)
	}
	if !v.opts.AllowInformationSchema {
		if m := infoSchemaRegex.FindString(s.code); m != "" {
			r.warn(fmt.Sprintf("query reads %s", m), true)
			r.recommend(recAppTables)
		}
	}
}

var (
	timingRegex     = regexp.MustCompile(`\bWAITFOR\s+(?:DELAY|TIME)\b|\bBENCHMARK\s*\(|\bPG_SLEEP\s*\(|\bSLEEP\s*\(`)
	crossJoinRegex  = regexp.MustCompile(`\bCROSS\s+JOIN\b`)
	selectStarRegex = regexp.MustCompile(`\bSELECT\s+(?:DISTINCT\s+)?\*`)
	whereRegex      = regexp.MustCompile(`\bWHERE\b`)
	limitRegex      = regexp.MustCompile(`\b(?:LIMIT|TOP|FETCH\s+FIRST)\b`)
)

func performanceRule(_ *Validator, s *scan, _ *model.AgentQuery, r *report) {
	if m := timingRegex.FindString(s.code); m != "" {
		r.finding(KindPerformanceAttack, model.SeverityMedium, m, "timing function can stall the database")
		r.warn(fmt.Sprintf("timing function %s", m), false)
		r.recommend(recNoTimingProbes)
		r.perf++
	}
	if crossJoinRegex.MatchString(s.code) {
		r.warn("CROSS JOIN produces a cartesian product", false)
		r.perf++
	}
	if selectStarRegex.MatchString(s.code) && !whereRegex.MatchString(s.code) && !limitRegex.MatchString(s.code) {
		r.warn("SELECT * without WHERE reads the full table", false)
		r.recommend(recExplicitCols)
		r.recommend(recFilter)
		r.perf++
	}
}

func complexityRule(v *Validator, s *scan, _ *model.AgentQuery, r *report) {
	if n := countJoins(s.code); v.opts.MaxJoins > 0 && n > v.opts.MaxJoins {
		r.fail(fmt.Sprintf("join count %d exceeds max_joins %d", n, v.opts.MaxJoins))
		r.recommend(recSimplify)
	}
	if d := subqueryDepth(s.code); v.opts.MaxSubqueryDepth > 0 && d > v.opts.MaxSubqueryDepth {
		r.fail(fmt.Sprintf("subquery depth %d exceeds max_subquery_depth %d", d, v.opts.MaxSubqueryDepth))
		r.recommend(recSimplify)
	}
}

func declaredTablesRule(_ *Validator, s *scan, q *model.AgentQuery, r *report) {
	if len(q.RequestedTables) == 0 {
		r.warn("no requestedTables declared; table access cannot be cross-checked", false)
		r.recommend(recDeclareTables)
		return
	}
	declared := map[string]bool{}
	for _, t := range q.RequestedTables {
		declared[strings.ToUpper(lastSegment(identQuoteReplacer.Replace(strings.TrimSpace(t))))] = true
	}
	for _, t := range extractTables(s.code) {
		if !declared[lastSegment(t)] {
			r.finding(KindUndeclaredTable, model.SeverityHigh, t, fmt.Sprintf("table %s is not in requestedTables", t))
			r.recommend(recDeclareTables)
		}
	}
}
