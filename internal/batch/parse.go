package batch

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/clinic-crm/internal/fetcher"
	"github.com/sells-group/clinic-crm/internal/model"
)

var correctionLabels = map[string]bool{
	"correction": true,
	"정정":         true,
	"보정":         true,
	"조정":         true,
}

// ParseRecords converts export rows (header first) into raw records.
// Rows with unparseable cells are returned as validation errors; a missing
// required column fails the whole batch.
func ParseRecords(rows [][]string, batchID string) ([]model.RawRecord, []model.ValidationError, error) {
	if len(rows) == 0 {
		return nil, nil, eris.Wrap(model.ErrMissingColumn, "batch: empty export, no header")
	}
	h, err := MapHeader(rows[0], TransactionRequired...)
	if err != nil {
		return nil, nil, err
	}

	var (
		records  []model.RawRecord
		rejected []model.ValidationError
	)
	for i, row := range rows[1:] {
		line := i + 2 // spreadsheet row, header is 1
		if blankRow(row) {
			continue
		}
		rec, verr := parseRow(h, row, line)
		if verr != nil {
			rejected = append(rejected, *verr)
			continue
		}
		rec.BatchID = batchID
		records = append(records, rec)
	}
	return records, rejected, nil
}

func parseRow(h Header, row []string, line int) (model.RawRecord, *model.ValidationError) {
	rec := model.RawRecord{
		Row:     line,
		Name:    h.Get(row, ColName),
		Phone:   h.Get(row, ColPhone),
		ChartNo: h.Get(row, ColChartNo),
		Staff:   h.Get(row, ColStaff),
		Purpose: h.Get(row, ColPurpose),
		Tags:    model.SplitTags(h.Get(row, ColTags)),
		Kind:    model.RecordKindSale,
	}
	if correctionLabels[strings.ToLower(h.Get(row, ColKind))] {
		rec.Kind = model.RecordKindCorrection
	}

	if s := h.Get(row, ColVisitDate); s != "" {
		d, err := model.ParseDate(s)
		if err != nil {
			return rec, &model.ValidationError{Row: line, Field: string(ColVisitDate), Reason: err.Error()}
		}
		rec.VisitDate = d
	}
	if s := h.Get(row, ColBirthDate); s != "" {
		d, err := model.ParseDate(s)
		if err != nil {
			return rec, &model.ValidationError{Row: line, Field: string(ColBirthDate), Reason: err.Error()}
		}
		rec.BirthDate = d
	}

	amounts := []struct {
		col Column
		dst *decimal.Decimal
	}{
		{ColGross, &rec.Gross},
		{ColDiscount, &rec.Discount},
		{ColRefund, &rec.Refund},
		{ColReceivable, &rec.Receivable},
	}
	for _, a := range amounts {
		v, err := ParseAmount(h.Get(row, a.col))
		if err != nil {
			return rec, &model.ValidationError{Row: line, Field: string(a.col), Reason: err.Error()}
		}
		*a.dst = v
	}
	return rec, nil
}

// ParseAmount parses a money cell such as "1,200,000", "₩35,000" or
// "50000원". Blank cells are zero.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(",", "", "원", "", "₩", "", " ", "", `"`, "", "=", "").Replace(strings.TrimSpace(s))
	if s == "" || s == "-" {
		return decimal.Zero, nil
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.Trim(s, "()")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Errorf("batch: invalid amount %q", s)
	}
	return d, nil
}

// ReadBatch parses a CSV export stream into a raw batch. name is the
// export's filename (or bare batch id); a weekly name supplies the period.
func ReadBatch(ctx context.Context, r io.Reader, name, encoding string) (model.RawBatch, error) {
	f, err := ParseName(name)
	if err != nil {
		return model.RawBatch{}, err
	}
	if f.ID == "" {
		return model.RawBatch{}, eris.New("batch: batch id is required")
	}
	rows, err := fetcher.ReadCSV(ctx, r, fetcher.CSVOptions{Encoding: encoding, LazyQuotes: true, TrimSpace: true})
	if err != nil {
		return model.RawBatch{}, eris.Wrapf(err, "batch: read %s", f.ID)
	}
	return fromRows(rows, f)
}

func fromRows(rows [][]string, f File) (model.RawBatch, error) {
	records, rejected, err := ParseRecords(rows, f.ID)
	if err != nil {
		return model.RawBatch{}, eris.Wrapf(err, "batch: parse %s", f.ID)
	}
	return model.RawBatch{
		ID:          f.ID,
		PeriodStart: f.PeriodStart,
		PeriodEnd:   f.PeriodEnd,
		Records:     records,
		Rejected:    rejected,
	}, nil
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
