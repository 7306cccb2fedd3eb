package loadr

import (
	"fmt"
	"strconv"

	"github.com/brianvoe/gofakeit/v7"
)

// column produces sample values for one column of the synthetic catalog.
type column struct {
	Name   string
	Sample func(f *gofakeit.Faker) string
}

type table struct {
	Name    string
	Columns []column
}

func idColumn() column {
	return column{"Id", func(f *gofakeit.Faker) string { return strconv.Itoa(f.Number(1, 100000)) }}
}

// ssn returns an SSN with valid area, group and serial blocks.
func ssn(f *gofakeit.Faker) string {
	area := f.Number(1, 899)
	if area == 666 {
		area = 667
	}
	return fmt.Sprintf("%03d-%02d-%04d", area, f.Number(1, 99), f.Number(1, 9999))
}

var cardOptions = &gofakeit.CreditCardOptions{Types: []string{"visa", "mastercard", "discover"}}

// Catalog is the schema requests are generated against. Table names line
// up with the tiers of the default governance policy.
var Catalog = []table{
	{"Documents", []column{
		idColumn(),
		{"Title", func(f *gofakeit.Faker) string { return f.Sentence(4) }},
		{"OwnerEmail", func(f *gofakeit.Faker) string { return f.Email() }},
	}},
	{"Templates", []column{
		idColumn(),
		{"Name", func(f *gofakeit.Faker) string { return f.BuzzWord() + " template" }},
	}},
	{"DocumentVersions", []column{
		idColumn(),
		{"Revision", func(f *gofakeit.Faker) string { return strconv.Itoa(f.Number(1, 40)) }},
		{"EditorPhone", func(f *gofakeit.Faker) string { return f.PhoneFormatted() }},
	}},
	{"Approvals", []column{
		idColumn(),
		{"ApproverName", func(f *gofakeit.Faker) string { return f.Name() }},
		{"ApprovedOn", func(f *gofakeit.Faker) string { return f.Date().Format("2006-01-02") }},
	}},
	{"Users", []column{
		idColumn(),
		{"FullName", func(f *gofakeit.Faker) string { return f.Name() }},
		{"Email", func(f *gofakeit.Faker) string { return f.Email() }},
		{"SSN", ssn},
		{"Phone", func(f *gofakeit.Faker) string { return f.PhoneFormatted() }},
	}},
	{"Payments", []column{
		idColumn(),
		{"CardNumber", func(f *gofakeit.Faker) string { return f.CreditCardNumber(cardOptions) }},
		{"Amount", func(f *gofakeit.Faker) string { return fmt.Sprintf("%.2f", f.Price(5, 500)) }},
	}},
	{"AuditEntries", []column{
		idColumn(),
		{"Detail", func(f *gofakeit.Faker) string { return f.Sentence(6) }},
	}},
}

// injectionTemplates take the target table name.
var injectionTemplates = []string{
	"SELECT * FROM %s WHERE Id=1; DROP TABLE Users;--",
	"SELECT * FROM %s WHERE 1=1 OR 'a'='a'",
	"SELECT * FROM %s UNION SELECT * FROM Users",
	"SELECT Id FROM %s WHERE Id = 1 -- bypass",
	"SELECT name FROM sys.tables /* %s */",
}

var purposes = []string{
	"monthly compliance report",
	"document search",
	"approval workflow",
	"customer support lookup",
	"billing reconciliation",
}

func findTable(name string) (table, bool) {
	for _, t := range Catalog {
		if t.Name == name {
			return t, true
		}
	}
	return table{}, false
}
