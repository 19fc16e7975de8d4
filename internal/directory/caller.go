// Package directory keeps known callers: PostgreSQL through GORM is the
// record of truth, Redis fronts it as a read cache.
package directory

import (
	"errors"
	"time"

	"callbridge/internal/protocol"
)

var (
	ErrNotFound = errors.New("directory: caller not found")
	ErrClosed   = errors.New("directory: closed")
)

// Caller is one directory entry keyed by the complete number.
type Caller struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	NumberComplete string    `gorm:"column:number_complete;size:64;uniqueIndex;not null" json:"number_complete"`
	Name           string    `gorm:"size:256" json:"name"`
	Number         string    `gorm:"size:64" json:"number"`
	AreaCode       string    `gorm:"column:area_code;size:32" json:"area_code"`
	PostalCode     string    `gorm:"column:postal_code;size:16" json:"postal_code"`
	Street         string    `gorm:"size:256" json:"street"`
	City           string    `gorm:"size:256" json:"city"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Caller) TableName() string { return "callers" }

// Table columns, in wire order.
const (
	ColPostalCode = "postal_code"
	ColStreet     = "street"
	ColCity       = "city"
)

var callerColumns = []string{
	protocol.ColNumberComplete, protocol.ColName, protocol.ColNumber,
	protocol.ColAreaCode, ColPostalCode, ColStreet, ColCity,
}

func Columns() []string {
	return append([]string(nil), callerColumns...)
}

func (c Caller) row() []string {
	return []string{c.NumberComplete, c.Name, c.Number, c.AreaCode, c.PostalCode, c.Street, c.City}
}

// ToTable renders callers with Columns as header.
func ToTable(callers []Caller) protocol.Table {
	t := protocol.NewTable(Columns()...)
	for _, c := range callers {
		// widths always match
		_ = t.AddRow(c.row()...)
	}
	return t
}

// FromTable reads callers by column name; unknown columns are ignored and
// rows without a complete number are skipped.
func FromTable(t protocol.Table) []Caller {
	out := make([]Caller, 0, len(t.Rows))
	for i := range t.Rows {
		c := Caller{
			NumberComplete: t.Cell(i, protocol.ColNumberComplete),
			Name:           t.Cell(i, protocol.ColName),
			Number:         t.Cell(i, protocol.ColNumber),
			AreaCode:       t.Cell(i, protocol.ColAreaCode),
			PostalCode:     t.Cell(i, ColPostalCode),
			Street:         t.Cell(i, ColStreet),
			City:           t.Cell(i, ColCity),
		}
		if c.NumberComplete == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}
