package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// ExtractServerName returns the short host name of the server a DSN points at. Local and IP
// addresses are replaced by the machine's hostname.
func ExtractServerName(driver, dsn string) (string, error) {
	var host string
	switch driver {
	case "mysql":
		cfg, err := mysqldriver.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection string: %w", err)
		}
		host = cfg.Addr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	case "sqlserver", "mssql":
		return ExtractServerNameFromConnectionString(dsn)
	case "sqlite3":
		host = "localhost"
	default:
		return "", fmt.Errorf("unsupported driver: %s", driver)
	}
	return shortName(host)
}

// ExtractServerNameFromConnectionString extracts the server name from a URL connection string
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}
	return shortName(u.Hostname())
}

func shortName(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}
	if strings.EqualFold(host, "localhost") || isIPAddress(host) {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		host = hostname
	}
	return strings.ToLower(strings.Split(host, ".")[0]), nil
}

// isIPAddress reports whether host is a full IP address or a dotted prefix of one
func isIPAddress(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return true
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 4 {
		return false
	}
	for _, part := range parts {
		num, err := strconv.Atoi(part)
		if err != nil || num < 0 || num > 255 {
			return false
		}
	}
	return true
}
