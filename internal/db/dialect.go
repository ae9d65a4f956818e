package db

import (
	"fmt"
	"strings"
)

// Dialect holds the SQL differences between the supported drivers
type Dialect struct {
	// Driver is the database/sql driver name
	Driver string

	quoteOpen, quoteClose string
	numbered              bool
	primaryKeyQuery       string
	columnsQuery          string
	tableArgsReversed     bool
}

var dialects = map[string]Dialect{
	"mysql": {
		Driver:    "mysql",
		quoteOpen: "`", quoteClose: "`",
		primaryKeyQuery: `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
			WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
			ORDER BY ORDINAL_POSITION`,
		columnsQuery: `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`,
	},
	"sqlserver": {
		Driver:    "sqlserver",
		quoteOpen: "[", quoteClose: "]",
		numbered: true,
		primaryKeyQuery: `SELECT kcu.COLUMN_NAME
			FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
			JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
				ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
			WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
			ORDER BY kcu.ORDINAL_POSITION`,
		columnsQuery: `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
			WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 ORDER BY ORDINAL_POSITION`,
	},
	"sqlite3": {
		Driver:    "sqlite3",
		quoteOpen: `"`, quoteClose: `"`,
		primaryKeyQuery:   `SELECT name FROM pragma_table_info(?, ?) WHERE pk > 0 ORDER BY pk`,
		columnsQuery:      `SELECT name FROM pragma_table_info(?, ?) ORDER BY cid`,
		tableArgsReversed: true,
	},
}

func init() {
	dialects["mssql"] = dialects["sqlserver"]
}

// DialectFor returns the dialect of a driver name
func DialectFor(driver string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// Quote quotes one identifier
func (d Dialect) Quote(name string) string {
	escaped := strings.ReplaceAll(name, d.quoteClose, d.quoteClose+d.quoteClose)
	return d.quoteOpen + escaped + d.quoteClose
}

// QualifiedTable returns the quoted schema.table reference
func (d Dialect) QualifiedTable(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

// Placeholder returns the bind parameter for the n-th (1-based) argument
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return fmt.Sprintf("@p%d", n)
	}
	return "?"
}

// Placeholders returns count comma-separated bind parameters starting at the n-th argument
func (d Dialect) Placeholders(n, count int) string {
	ps := make([]string, count)
	for i := range ps {
		ps[i] = d.Placeholder(n + i)
	}
	return strings.Join(ps, ", ")
}

// PrimaryKeyQuery returns the query listing a table's primary key columns and its arguments
func (d Dialect) PrimaryKeyQuery(schema, table string) (string, []interface{}) {
	return d.primaryKeyQuery, d.tableArgs(schema, table)
}

// ColumnsQuery returns the query listing a table's columns in order and its arguments
func (d Dialect) ColumnsQuery(schema, table string) (string, []interface{}) {
	return d.columnsQuery, d.tableArgs(schema, table)
}

func (d Dialect) tableArgs(schema, table string) []interface{} {
	if d.tableArgsReversed {
		return []interface{}{table, schema}
	}
	return []interface{}{schema, table}
}
