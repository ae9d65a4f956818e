package cdc

import (
	"strings"

	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// screenPrefixLen bounds how much of a statement the screen looks at
const screenPrefixLen = 512

var screenVerbs = []string{
	"update ",
	"update low_priority ",
	"update ignore ",
	"insert into ",
	"insert ignore into ",
	"insert low_priority into ",
	"replace into ",
	"delete from ",
	"delete low_priority from ",
	"delete quick from ",
}

// screen reports whether sql starts with a DML verb addressing one of the watched tables.
// Unqualified names resolve against schema.
func screen(schema, sql string, watched []livedata.TableID) bool {
	if len(watched) == 0 {
		return false
	}
	head := normalizeHead(sql)
	schema = strings.ToLower(schema)

	for _, verb := range screenVerbs {
		if !strings.HasPrefix(head, verb) {
			continue
		}
		rest := head[len(verb):]
		for _, t := range watched {
			if hasTablePrefix(rest, t.Schema+"."+t.Table) {
				return true
			}
			if t.Schema == schema && hasTablePrefix(rest, t.Table) {
				return true
			}
		}
	}
	return false
}

func hasTablePrefix(s, name string) bool {
	if !strings.HasPrefix(s, name) {
		return false
	}
	if len(s) == len(name) {
		return true
	}
	c := s[len(name)]
	return !(c == '_' || c == '.' || c == '$' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}

// normalizeHead lowercases the start of a statement, drops leading comments and identifier quotes,
// and collapses whitespace runs to one space. A quote between two identifier characters counts as
// a space.
func normalizeHead(sql string) string {
	sql = strings.TrimSpace(sql)
	for strings.HasPrefix(sql, "/*") {
		end := strings.Index(sql, "*/")
		if end < 0 {
			return ""
		}
		sql = strings.TrimSpace(sql[end+2:])
	}
	if len(sql) > screenPrefixLen {
		sql = sql[:screenPrefixLen]
	}

	var b strings.Builder
	b.Grow(len(sql))
	var (
		space bool
		quote bool
		last  rune
	)
	for _, r := range strings.ToLower(sql) {
		switch r {
		case '`', '"', '[', ']':
			quote = true
			continue
		case ' ', '\t', '\n', '\r':
			space = true
			continue
		}
		if b.Len() > 0 && (space || quote && isIdentRune(last) && isIdentRune(r)) {
			b.WriteByte(' ')
		}
		space, quote = false, false
		b.WriteRune(r)
		last = r
	}
	return b.String()
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '$' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 0x7f
}
