package orders

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"
)

var exportHeader = []string{"order_id", "created_at", "user_id", "customer", "contact", "total", "status", "item_count"}

const exportPage = MaxListLimit

// ExportCSV writes every order matching f as CSV. The whole file is built before
// anything reaches w, so a failing page leaves w untouched.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	f.Limit, f.Offset = exportPage, 0
	for {
		page, err := s.List(ctx, f)
		if err != nil {
			return err
		}
		for _, o := range page {
			if err := cw.Write(exportRow(o)); err != nil {
				return err
			}
		}
		if len(page) < exportPage {
			break
		}
		f.Offset += exportPage
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func exportRow(o Summary) []string {
	return []string{
		o.ID,
		o.CreatedAt.Format(time.RFC3339),
		cell(o.UserID),
		cell(o.Recipient.Name),
		cell(o.Recipient.Phone),
		strconv.FormatInt(o.Total, 10),
		o.Status.Label(),
		strconv.Itoa(o.ItemCount),
	}
}

// cell keeps spreadsheets from reading customer text as a formula.
func cell(v string) string {
	if v != "" && strings.ContainsRune("=+-@\t\r", rune(v[0])) {
		return "'" + v
	}
	return v
}
