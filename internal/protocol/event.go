package protocol

import "fmt"

// CallEvent column names, in wire order.
const (
	ColID             = "id"
	ColNumber         = "number"
	ColNumberComplete = "number_complete"
	ColName           = "name"
	ColDate           = "date"
	ColTime           = "time"
	ColMSN            = "msn"
	ColAlias          = "alias"
	ColService        = "service"
	ColFix            = "fix"
	ColArea           = "area"
	ColAreaCode       = "area_code"
)

var callEventColumns = []string{
	ColID, ColNumber, ColNumberComplete, ColName, ColDate, ColTime,
	ColMSN, ColAlias, ColService, ColFix, ColArea, ColAreaCode,
}

// CallEventColumns returns a copy of the column list used for call tables.
func CallEventColumns() []string {
	return append([]string(nil), callEventColumns...)
}

// CallEvent is one incoming call as broadcast to clients and stored downstream.
type CallEvent struct {
	ID             string
	Number         string // local part after the area code was split off
	NumberComplete string // number as received
	Name           string
	Date           string
	Time           string
	MSN            string // called line
	Alias          string
	Service        string
	Fix            string
	Area           string
	AreaCode       string
}

func (e CallEvent) values() []string {
	return []string{
		e.ID, e.Number, e.NumberComplete, e.Name, e.Date, e.Time,
		e.MSN, e.Alias, e.Service, e.Fix, e.Area, e.AreaCode,
	}
}

// Table returns e as a single-row table.
func (e CallEvent) Table() Table {
	return Table{Columns: CallEventColumns(), Rows: [][]string{e.values()}}
}

// CallEventsTable collects several events into one table, one row each.
func CallEventsTable(events []CallEvent) Table {
	t := Table{Columns: CallEventColumns(), Rows: make([][]string, 0, len(events))}
	for _, e := range events {
		t.Rows = append(t.Rows, e.values())
	}
	return t
}

// CallEventFromTable reads the first row of t. Columns are matched by name so
// tables with extra or reordered columns still decode.
func CallEventFromTable(t Table) (CallEvent, error) {
	events, err := CallEventsFromTable(t)
	if err != nil {
		return CallEvent{}, err
	}
	if len(events) == 0 {
		return CallEvent{}, fmt.Errorf("%w: call table has no rows", ErrInvalidTable)
	}
	return events[0], nil
}

// CallEventsFromTable converts every row of t.
func CallEventsFromTable(t Table) ([]CallEvent, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.Column(ColNumberComplete) < 0 && t.Column(ColNumber) < 0 {
		return nil, fmt.Errorf("%w: call table lacks a number column", ErrInvalidTable)
	}
	out := make([]CallEvent, 0, len(t.Rows))
	for i := range t.Rows {
		out = append(out, CallEvent{
			ID:             t.Cell(i, ColID),
			Number:         t.Cell(i, ColNumber),
			NumberComplete: t.Cell(i, ColNumberComplete),
			Name:           t.Cell(i, ColName),
			Date:           t.Cell(i, ColDate),
			Time:           t.Cell(i, ColTime),
			MSN:            t.Cell(i, ColMSN),
			Alias:          t.Cell(i, ColAlias),
			Service:        t.Cell(i, ColService),
			Fix:            t.Cell(i, ColFix),
			Area:           t.Cell(i, ColArea),
			AreaCode:       t.Cell(i, ColAreaCode),
		})
	}
	return out, nil
}
