// Package schema implements the contract store: per-output locked column
// schemas, approval with superseding, enforcement by content-hash equality
// and amendment proposals generated from observed violations.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"casparian/internal/core"
	"casparian/internal/ident"
)

// ColumnType is drawn from a closed set. Decimal carries precision and
// scale in its textual form: decimal(p,s).
type ColumnType string

const (
	TypeInt8      ColumnType = "int8"
	TypeInt16     ColumnType = "int16"
	TypeInt32     ColumnType = "int32"
	TypeInt64     ColumnType = "int64"
	TypeFloat32   ColumnType = "float32"
	TypeFloat64   ColumnType = "float64"
	TypeBool      ColumnType = "bool"
	TypeString    ColumnType = "string"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
	TypeBytes     ColumnType = "bytes"
)

var decimalRe = regexp.MustCompile(`^decimal\((\d+),(\d+)\)$`)

// DecimalType builds a decimal column type.
func DecimalType(precision, scale int) ColumnType {
	return ColumnType(fmt.Sprintf("decimal(%d,%d)", precision, scale))
}

// ParseColumnType validates a type string against the closed set.
func ParseColumnType(s string) (ColumnType, error) {
	switch ColumnType(s) {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64,
		TypeFloat32, TypeFloat64, TypeBool, TypeString,
		TypeDate, TypeTimestamp, TypeJSON, TypeBytes:
		return ColumnType(s), nil
	}
	if decimalRe.MatchString(s) {
		return ColumnType(s), nil
	}
	return "", core.E(core.KindUnsupported, "unknown column type %q", s)
}

// DecimalParams returns (precision, scale, true) for decimal types.
func (t ColumnType) DecimalParams() (int, int, bool) {
	m := decimalRe.FindStringSubmatch(string(t))
	if m == nil {
		return 0, 0, false
	}
	p, _ := strconv.Atoi(m[1])
	s, _ := strconv.Atoi(m[2])
	return p, s, true
}

// IsInteger reports whether t is one of the integer types.
func (t ColumnType) IsInteger() bool {
	switch t {
	case TypeInt8, TypeInt16, TypeInt32, TypeInt64:
		return true
	}
	return false
}

// IsNumeric reports whether t is an integer, float or decimal type.
func (t ColumnType) IsNumeric() bool {
	if t.IsInteger() || t == TypeFloat32 || t == TypeFloat64 {
		return true
	}
	_, _, isDec := t.DecimalParams()
	return isDec
}

// intRank orders the integer widening ladder.
func intRank(t ColumnType) int {
	switch t {
	case TypeInt8:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32:
		return 3
	case TypeInt64:
		return 4
	}
	return 0
}

// Column is one field of a locked schema.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
	Format   string     `json:"format,omitempty"`
}

// LockedSchema is the approved, ordered column list for one output.
type LockedSchema struct {
	OutputName string   `json:"output_name"`
	Columns    []Column `json:"columns"`
}

// ContentHash returns the canonical-JSON hash over the ordered columns.
// Enforcement compares nothing else: two schemas are the same contract iff
// their hashes are equal.
func (ls *LockedSchema) ContentHash() (string, error) {
	return ident.ContentHash(ls.Columns)
}

// Column returns the column with the given name, or nil.
func (ls *LockedSchema) Column(name string) *Column {
	for i := range ls.Columns {
		if ls.Columns[i].Name == name {
			return &ls.Columns[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (ls *LockedSchema) Clone() *LockedSchema {
	out := &LockedSchema{OutputName: ls.OutputName, Columns: make([]Column, len(ls.Columns))}
	copy(out.Columns, ls.Columns)
	return out
}

func (ls *LockedSchema) String() string {
	parts := make([]string, len(ls.Columns))
	for i, c := range ls.Columns {
		null := "non-null"
		if c.Nullable {
			null = "nullable"
		}
		parts[i] = fmt.Sprintf("%s:%s %s", c.Name, c.Type, null)
	}
	return fmt.Sprintf("%s{%s}", ls.OutputName, strings.Join(parts, ", "))
}
