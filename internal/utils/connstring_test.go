package utils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractServerName(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)
	local := shortHostname(hostname)

	tests := []struct {
		name   string
		driver string
		dsn    string
		want   string
	}{
		{"mysql host", "mysql", "app:pw@tcp(DB01.internal.example:3306)/test", "db01"},
		{"mysql loopback", "mysql", "app:pw@tcp(127.0.0.1:3306)/test", local},
		{"sqlserver url", "sqlserver", "sqlserver://sa:pw@sql-prod.database.windows.net:1433?database=app", "sql-prod"},
		{"sqlserver localhost", "sqlserver", "sqlserver://sa:pw@localhost:1433?database=app", local},
		{"sqlite", "sqlite3", "file:test.db", local},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractServerName(tt.driver, tt.dsn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = ExtractServerName("oracle", "x")
	assert.Error(t, err)
	_, err = ExtractServerName("sqlserver", "sqlserver:///nohost")
	assert.Error(t, err)
}

func shortHostname(hostname string) string {
	name, _ := shortName(hostname)
	return name
}

func TestIsIPAddress(t *testing.T) {
	assert.True(t, isIPAddress("10.1.2.3"))
	assert.True(t, isIPAddress("::1"))
	assert.True(t, isIPAddress("127"))
	assert.True(t, isIPAddress("127.0"))
	assert.False(t, isIPAddress("db01"))
	assert.False(t, isIPAddress("300.1"))
	assert.False(t, isIPAddress("1.2.3.4.5"))
}
