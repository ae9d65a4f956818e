package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestSQLClassifier(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want *Statement
	}{
		{
			name: "update",
			sql:  "UPDATE person SET name = 'Robert', age = 42 WHERE id = 1",
			want: &Statement{
				Kind: KindUpdate, Schema: "test", Table: "person",
				Where: &Assignment{Column: "id", Value: strp("1"), Literal: true},
				Set: []Assignment{
					{Column: "name", Value: strp("Robert"), Literal: true},
					{Column: "age", Value: strp("42"), Literal: true},
				},
			},
		},
		{
			name: "qualified update with quoted identifiers",
			sql:  "update `other`.`Person` set `name` = 'x' where (`id` = '7')",
			want: &Statement{
				Kind: KindUpdate, Schema: "other", Table: "Person",
				Where: &Assignment{Column: "id", Value: strp("7"), Literal: true},
				Set:   []Assignment{{Column: "name", Value: strp("x"), Literal: true}},
			},
		},
		{
			name: "update with literal on the left",
			sql:  "update person set name = null where 3 = id",
			want: &Statement{
				Kind: KindUpdate, Schema: "test", Table: "person",
				Where: &Assignment{Column: "id", Value: strp("3"), Literal: true},
				Set:   []Assignment{{Column: "name", Literal: true}},
			},
		},
		{
			name: "update with computed value",
			sql:  "update counter set hits = hits + 1, seen = now() where id = 2",
			want: &Statement{
				Kind: KindUpdate, Schema: "test", Table: "counter",
				Where: &Assignment{Column: "id", Value: strp("2"), Literal: true},
				Set:   []Assignment{{Column: "hits"}, {Column: "seen"}},
			},
		},
		{
			name: "negative literal",
			sql:  "update account set balance = -5 where id = 9",
			want: &Statement{
				Kind: KindUpdate, Schema: "test", Table: "account",
				Where: &Assignment{Column: "id", Value: strp("9"), Literal: true},
				Set:   []Assignment{{Column: "balance", Value: strp("-5"), Literal: true}},
			},
		},
		{
			name: "delete comparing with null",
			sql:  "delete from person where id = null",
			want: &Statement{
				Kind: KindDelete, Schema: "test", Table: "person",
				Where: &Assignment{Column: "id", Literal: true},
			},
		},
		{
			name: "insert",
			sql:  "INSERT INTO person (name) VALUES ('Doug')",
			want: &Statement{Kind: KindInsert, Schema: "test", Table: "person"},
		},
		{
			name: "qualified replace",
			sql:  "replace into other.person (id, name) values (1, 'Bob')",
			want: &Statement{Kind: KindInsert, Schema: "other", Table: "person"},
		},
		{
			name: "delete",
			sql:  "DELETE FROM phone WHERE id = 10",
			want: &Statement{
				Kind: KindDelete, Schema: "test", Table: "phone",
				Where: &Assignment{Column: "id", Value: strp("10"), Literal: true},
			},
		},
	}

	c := NewSQLClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify("test", tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLClassifierRejectsUnsupportedShapes(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"update without where", "update person set name = 'x'"},
		{"update with two conditions", "update person set name = 'x' where id = 1 and name = 'y'"},
		{"update with range", "update person set name = 'x' where id > 1"},
		{"update comparing columns", "update person set name = 'x' where id = other_id"},
		{"update join", "update person p join phone f on p.id = f.userId set p.name = 'x' where p.id = 1"},
		{"delete with in list", "delete from phone where id in (1, 2)"},
		{"delete without where", "delete from phone"},
		{"select", "select * from person"},
	}

	c := NewSQLClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Classify("test", tt.sql)
			assert.ErrorIs(t, err, ErrUnsupportedStatement)
		})
	}
}

func TestSQLClassifierParseError(t *testing.T) {
	_, err := NewSQLClassifier().Classify("test", "update person set where")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedStatement)
}
