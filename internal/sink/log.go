package sink

import (
	"encoding/json"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-livedata/internal/logging"
	"github.com/katasec/dstream-livedata/pkg/livedata"
)

// Log writes every record it accepts to a logger at Info level
type Log struct {
	logger hclog.Logger
}

// NewLog creates a log sink. A nil logger uses the process logger.
func NewLog(logger hclog.Logger) *Log {
	if logger == nil {
		logger = logging.GetLogger().Named("sink")
	}
	return &Log{logger: logger}
}

// Accept logs record
func (l *Log) Accept(record *livedata.ChangeRecord) {
	args := []interface{}{
		"table", record.Schema + "." + record.Table,
		"action", record.Action.String(),
		"rows", len(record.Rows),
	}
	if len(record.Rows) > 0 {
		if data, err := json.Marshal(rowMaps(record)); err == nil {
			args = append(args, "data", string(data))
		}
	}
	l.logger.Info("Change received", args...)
}

func rowMaps(record *livedata.ChangeRecord) []map[string]*string {
	out := make([]map[string]*string, len(record.Rows))
	for i, row := range record.Rows {
		m := make(map[string]*string, len(record.Columns))
		for j, c := range record.Columns {
			if j < len(row) {
				m[c] = row[j]
			}
		}
		out[i] = m
	}
	return out
}
