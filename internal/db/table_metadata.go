package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GetColumnNames lists a table's columns in ordinal order
func GetColumnNames(ctx context.Context, conn *sql.DB, dialect Dialect, schema, tableName string) ([]string, error) {
	query, args := dialect.ColumnsQuery(schema, tableName)
	columns, err := queryStrings(ctx, conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", schema, tableName, err)
	}
	return columns, nil
}

// GetPrimaryKeyColumns lists a table's primary key columns in key order
func GetPrimaryKeyColumns(ctx context.Context, conn *sql.DB, dialect Dialect, schema, tableName string) ([]string, error) {
	query, args := dialect.PrimaryKeyQuery(schema, tableName)
	columns, err := queryStrings(ctx, conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s.%s: %w", schema, tableName, err)
	}
	return columns, nil
}

func queryStrings(ctx context.Context, conn *sql.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
