package cdc

import (
	"errors"
	"fmt"

	"github.com/xwb1989/sqlparser"
)

// ErrUnsupportedStatement is returned for statements whose shape cannot be turned into a record
var ErrUnsupportedStatement = errors.New("unsupported statement")

// StatementKind is the DML verb of a classified statement
type StatementKind int

const (
	KindUpdate StatementKind = iota + 1
	KindInsert
	KindDelete
)

func (k StatementKind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Assignment is a column paired with the value a statement compares or sets it to.
// Value is nil for NULL. Literal is false when the value is an expression the database evaluates.
type Assignment struct {
	Column  string
	Value   *string
	Literal bool
}

// Statement is the part of a DML statement needed to build a change record
type Statement struct {
	Kind   StatementKind
	Schema string
	Table  string
	Where  *Assignment
	Set    []Assignment
}

// Classifier turns raw statement text into a Statement.
// Statements of any other shape yield an error wrapping ErrUnsupportedStatement.
type Classifier interface {
	Classify(schema, sql string) (*Statement, error)
}

// SQLClassifier classifies MySQL-dialect statements with sqlparser
type SQLClassifier struct{}

// NewSQLClassifier returns a classifier backed by sqlparser
func NewSQLClassifier() *SQLClassifier {
	return &SQLClassifier{}
}

// Classify parses sql; unqualified table names resolve to schema
func (c *SQLClassifier) Classify(schema, sql string) (*Statement, error) {
	parsed, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("failed to parse statement: %w", err)
	}

	switch stmt := parsed.(type) {
	case *sqlparser.Update:
		return classifyUpdate(schema, stmt)
	case *sqlparser.Insert:
		return &Statement{
			Kind:   KindInsert,
			Schema: qualifier(schema, stmt.Table),
			Table:  stmt.Table.Name.String(),
		}, nil
	case *sqlparser.Delete:
		return classifyDelete(schema, stmt)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedStatement, parsed)
	}
}

func classifyUpdate(schema string, stmt *sqlparser.Update) (*Statement, error) {
	table, err := singleTable(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	where, err := equalityWhere(stmt.Where)
	if err != nil {
		return nil, err
	}

	out := &Statement{
		Kind:   KindUpdate,
		Schema: qualifier(schema, table),
		Table:  table.Name.String(),
		Where:  where,
		Set:    make([]Assignment, 0, len(stmt.Exprs)),
	}
	for _, expr := range stmt.Exprs {
		out.Set = append(out.Set, assignment(expr.Name.Name.String(), expr.Expr))
	}
	return out, nil
}

func classifyDelete(schema string, stmt *sqlparser.Delete) (*Statement, error) {
	if len(stmt.Targets) > 0 {
		return nil, fmt.Errorf("%w: multi-table delete", ErrUnsupportedStatement)
	}
	table, err := singleTable(stmt.TableExprs)
	if err != nil {
		return nil, err
	}
	where, err := equalityWhere(stmt.Where)
	if err != nil {
		return nil, err
	}
	return &Statement{
		Kind:   KindDelete,
		Schema: qualifier(schema, table),
		Table:  table.Name.String(),
		Where:  where,
	}, nil
}

func singleTable(exprs sqlparser.TableExprs) (sqlparser.TableName, error) {
	if len(exprs) != 1 {
		return sqlparser.TableName{}, fmt.Errorf("%w: %d table expressions", ErrUnsupportedStatement, len(exprs))
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return sqlparser.TableName{}, fmt.Errorf("%w: joined table", ErrUnsupportedStatement)
	}
	name, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return sqlparser.TableName{}, fmt.Errorf("%w: derived table", ErrUnsupportedStatement)
	}
	return name, nil
}

// equalityWhere accepts exactly `column = literal`; comparing with NULL leaves the value nil
func equalityWhere(where *sqlparser.Where) (*Assignment, error) {
	if where == nil {
		return nil, fmt.Errorf("%w: missing where clause", ErrUnsupportedStatement)
	}
	expr := where.Expr
	for {
		paren, ok := expr.(*sqlparser.ParenExpr)
		if !ok {
			break
		}
		expr = paren.Expr
	}

	cmp, ok := expr.(*sqlparser.ComparisonExpr)
	if !ok || cmp.Operator != sqlparser.EqualStr {
		return nil, fmt.Errorf("%w: where clause is not a single equality", ErrUnsupportedStatement)
	}
	col, value := cmp.Left, cmp.Right
	if _, ok := col.(*sqlparser.ColName); !ok {
		col, value = value, col
	}
	name, ok := col.(*sqlparser.ColName)
	if !ok {
		return nil, fmt.Errorf("%w: where clause does not compare a column", ErrUnsupportedStatement)
	}

	a := assignment(name.Name.String(), value)
	if !a.Literal {
		return nil, fmt.Errorf("%w: where clause does not compare against a literal", ErrUnsupportedStatement)
	}
	return &a, nil
}

func assignment(column string, expr sqlparser.Expr) Assignment {
	switch v := expr.(type) {
	case *sqlparser.NullVal:
		return Assignment{Column: column, Literal: true}
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.StrVal, sqlparser.IntVal, sqlparser.FloatVal:
			s := string(v.Val)
			return Assignment{Column: column, Value: &s, Literal: true}
		}
	case *sqlparser.UnaryExpr:
		if val, ok := v.Expr.(*sqlparser.SQLVal); ok && v.Operator == sqlparser.UMinusStr &&
			(val.Type == sqlparser.IntVal || val.Type == sqlparser.FloatVal) {
			s := "-" + string(val.Val)
			return Assignment{Column: column, Value: &s, Literal: true}
		}
	}
	return Assignment{Column: column}
}

func qualifier(schema string, table sqlparser.TableName) string {
	if q := table.Qualifier.String(); q != "" {
		return q
	}
	return schema
}
