// Package batch turns clinic export files into raw batches and tag rows.
package batch

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/clinic-crm/internal/model"
)

// Column is a logical export column.
type Column string

const (
	ColName       Column = "name"
	ColPhone      Column = "phone"
	ColBirthDate  Column = "birth_date"
	ColChartNo    Column = "chart_no"
	ColVisitDate  Column = "visit_date"
	ColGross      Column = "gross"
	ColDiscount   Column = "discount"
	ColRefund     Column = "refund"
	ColReceivable Column = "receivable"
	ColTags       Column = "tags"
	ColStaff      Column = "staff"
	ColPurpose    Column = "purpose"
	ColKind       Column = "kind"
)

// aliases maps each column to the header labels seen in clinic exports.
// Labels are compared after removing spaces and lower-casing.
var aliases = map[Column][]string{
	ColName:       {"환자명", "고객명", "이름", "성명", "name", "patient_name"},
	ColPhone:      {"연락처", "휴대폰", "휴대폰번호", "전화번호", "핸드폰", "phone", "mobile"},
	ColBirthDate:  {"생년월일", "생일", "birth_date", "birthdate", "dob"},
	ColChartNo:    {"환자번호", "차트번호", "차트", "chart_no", "chart", "patient_no"},
	ColVisitDate:  {"진료일", "방문일", "내원일", "visit_date", "date"},
	ColGross:      {"총매출", "매출", "수납액", "gross", "amount"},
	ColDiscount:   {"할인금", "할인", "discount"},
	ColRefund:     {"환불금", "환불", "refund"},
	ColReceivable: {"미수금", "미수", "receivable"},
	ColTags:       {"환자태그", "태그", "암종", "tags", "tag"},
	ColStaff:      {"담당의", "담당자", "담당", "staff", "doctor"},
	ColPurpose:    {"방문목적", "내원목적", "purpose", "visit_purpose"},
	ColKind:       {"구분", "유형", "kind", "type"},
}

// TransactionRequired lists the columns a transaction export must carry.
var TransactionRequired = []Column{ColName, ColVisitDate, ColGross}

// Header maps logical columns to their index in a row.
type Header map[Column]int

func headerKey(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ToLower(strings.Join(strings.Fields(s), ""))
	return s
}

// MapHeader locates every known column in row. The first matching label
// wins when a header repeats. A required column that is absent is a
// structural failure wrapping ErrMissingColumn.
func MapHeader(row []string, required ...Column) (Header, error) {
	lookup := make(map[string]Column)
	for col, labels := range aliases {
		for _, l := range labels {
			lookup[headerKey(l)] = col
		}
	}

	h := make(Header)
	for i, cell := range row {
		col, ok := lookup[headerKey(cell)]
		if !ok {
			continue
		}
		if _, dup := h[col]; !dup {
			h[col] = i
		}
	}

	var missing []string
	for _, col := range required {
		if _, ok := h[col]; !ok {
			missing = append(missing, string(col))
		}
	}
	if len(missing) > 0 {
		return nil, eris.Wrapf(model.ErrMissingColumn, "batch: missing %s", strings.Join(missing, ", "))
	}
	return h, nil
}

// Has reports whether the header carries col.
func (h Header) Has(col Column) bool {
	_, ok := h[col]
	return ok
}

// Get returns the trimmed cell for col, or "" when absent.
func (h Header) Get(row []string, col Column) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
