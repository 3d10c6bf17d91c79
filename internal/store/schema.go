package store

import (
	"encoding/json"
	"os"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

// TableSchema is the publish-time description of one table: enough to
// recreate it (and its indexes) against a fresh Database on recovery or
// on a fresh node pulling the published schema (spec §6.5 "frozen
// typespace + table/index metadata; rewritten only by publish").
type TableSchema struct {
	Name        string
	RowType     satn.Type
	Public      bool
	ScheduleRef *ScheduledTableSchema `json:"schedule,omitempty"`
	Columns     []ColumnDef
	Constraints []Constraint
}

// ScheduledTableSchema mirrors scheduler.ScheduledTable without this
// package importing scheduler (which itself imports store); the
// scheduler re-derives its ScheduledTable from these column positions
// at publish time.
type ScheduledTableSchema struct {
	ReducerName string
	IDCol       uint32
	ScheduleCol uint32
	ArgsCol     uint32
}

// Schema is the full persisted publish artifact: the frozen typespace
// plus every table's description, in declaration order.
type Schema struct {
	Owner     identity.Identity
	Typespace satn.Typespace
	Tables    []TableSchema
}

// SaveSchema writes s to path as its SATN-JSON-adjacent publish
// artifact. Row *values* use BSATN everywhere in this engine (spec
// §4.1); schema *metadata* is comparatively small, published rarely,
// and benefits from being diffable/human-readable, so it is the one
// persisted structure that uses plain JSON rather than BSATN.
func SaveSchema(path string, s *Schema) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return engineerr.Wrap(engineerr.InternalTrap, "marshal schema", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return engineerr.Wrap(engineerr.InternalTrap, "write schema file", err)
	}
	return nil
}

// LoadSchema reads and decodes the schema previously written by
// SaveSchema. A missing file is not an error: a brand new database has
// no schema yet until its first publish.
func LoadSchema(path string) (*Schema, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engineerr.Wrap(engineerr.InternalTrap, "read schema file", err)
	}
	var s Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, false, engineerr.Wrap(engineerr.BadRequest, "decode schema file", err)
	}
	return &s, true, nil
}

// Apply recreates every table (and its constraints) described by s
// against a freshly constructed Database sharing s's Typespace.
func Apply(s *Schema) (*Database, error) {
	db := NewDatabase(&s.Typespace)
	db.SetOwner(s.Owner)
	for _, t := range s.Tables {
		if _, err := db.CreateTable(t.Name, t.RowType, t.Public, t.Columns, t.Constraints); err != nil {
			return nil, err
		}
	}
	return db, nil
}
