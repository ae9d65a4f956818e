package sqlserver

import (
	"bytes"
	"database/sql"
	"strings"

	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// CDC __$operation values
const (
	opDelete       = 1
	opInsert       = 2
	opUpdateBefore = 3
	opUpdateAfter  = 4
)

// changeRow is one row of a CDC change table
type changeRow struct {
	lsn       []byte
	seq       []byte
	operation int
	values    []sql.NullString
}

// tableShape is what the monitor needs to turn change rows into records
type tableShape struct {
	schema     string
	table      string
	columns    []string
	primaryKey string
}

func (s tableShape) keyIndex() int {
	for i, c := range s.columns {
		if strings.EqualFold(c, s.primaryKey) {
			return i
		}
	}
	return -1
}

// buildBatches groups change rows by LSN, one source transaction each, into a Modify record for
// inserts and update after-images and a Delete record keyed on the primary key. Rows must be in
// (lsn, seqval) order.
func buildBatches(shape tableShape, rows []changeRow) [][]*livedata.ChangeRecord {
	keyIndex := shape.keyIndex()
	if keyIndex < 0 {
		return nil
	}

	var (
		batches [][]*livedata.ChangeRecord
		lsn     []byte
		modify  *livedata.ChangeRecord
		remove  *livedata.ChangeRecord
	)
	flush := func() {
		var batch []*livedata.ChangeRecord
		if modify != nil && len(modify.Rows) > 0 {
			batch = append(batch, modify)
		}
		if remove != nil && len(remove.Rows) > 0 {
			batch = append(batch, remove)
		}
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}
	start := func() {
		modify = livedata.NewRecord(livedata.Modify, shape.schema, shape.table, shape.columns...)
		modify.IDColumnIndex = keyIndex
		remove = livedata.NewRecord(livedata.Delete, shape.schema, shape.table, shape.columns[keyIndex])
	}

	for _, row := range rows {
		if lsn == nil || !bytes.Equal(lsn, row.lsn) {
			if lsn != nil {
				flush()
			}
			lsn = row.lsn
			start()
		}

		switch row.operation {
		case opInsert, opUpdateAfter:
			modify.AppendRow(cells(row.values))
		case opDelete:
			remove.AppendRow([]*string{cell(row.values[keyIndex])})
		case opUpdateBefore:
			// only after-images are delivered
		}
	}
	if lsn != nil {
		flush()
	}
	return batches
}

func cells(values []sql.NullString) []*string {
	out := make([]*string, len(values))
	for i := range values {
		out[i] = cell(values[i])
	}
	return out
}

func cell(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
