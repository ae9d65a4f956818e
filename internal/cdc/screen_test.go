package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/katasec/dstream-livedata/pkg/livedata"
)

func TestScreen(t *testing.T) {
	watched := []livedata.TableID{
		livedata.NewTableID("test", "person"),
		livedata.NewTableID("test", "phone"),
	}

	tests := []struct {
		name   string
		schema string
		sql    string
		want   bool
	}{
		{"update", "test", "UPDATE person SET name = 'x' WHERE id = 1", true},
		{"qualified update", "other", "update test.person set name = 'x' where id = 1", true},
		{"quoted identifiers", "test", "UPDATE `test`.`Person`\n\tSET name = 'x' WHERE id = 1", true},
		{"quotes without spaces", "test", "UPDATE`person`SET name = 'x' WHERE id = 1", true},
		{"quoted qualified name without spaces", "other", "delete from`test`.`phone`where id = 3", true},
		{"insert with column list", "test", "insert into phone(id, userId) values (1, 2)", true},
		{"insert ignore", "test", "INSERT IGNORE INTO phone VALUES (1, 2, '3')", true},
		{"delete", "test", "delete from phone where id = 3", true},
		{"leading comment", "test", "/* app:42 */ delete from phone where id = 3", true},
		{"other schema", "other", "update person set name = 'x' where id = 1", false},
		{"table name prefix", "test", "update person_audit set note = 'x' where id = 1", false},
		{"unwatched table", "test", "delete from orders where id = 1", false},
		{"select", "test", "select * from person", false},
		{"ddl", "test", "alter table person add column age int", false},
		{"unterminated comment", "test", "/* update person", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, screen(tt.schema, tt.sql, watched))
		})
	}
}

func TestScreenWithNothingWatched(t *testing.T) {
	assert.False(t, screen("test", "update person set name = 'x' where id = 1", nil))
}

func TestNormalizeHead(t *testing.T) {
	assert.Equal(t, "update person set name", normalizeHead("UPDATE`Person`SET  `name`"))
	assert.Equal(t, "delete from test.phone where", normalizeHead("delete from [test].[phone]\nwhere"))
	assert.Equal(t, "insert into phone(id)", normalizeHead("/* c */ insert into \"phone\"(id)"))
}
