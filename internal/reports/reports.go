// Package reports renders operator exports as xlsx workbooks.
package reports

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/m3rciful/funnelbot/core/logger"
	"github.com/m3rciful/funnelbot/internal/clock"
	"github.com/m3rciful/funnelbot/internal/domain"
)

// Source reads the rows the reports are built from.
type Source interface {
	ListFailures(ctx context.Context, since time.Time, limit int) ([]domain.Failure, error)
	GetMailing(ctx context.Context, id int64) (domain.Mailing, error)
	ListRecipients(ctx context.Context, mailingID int64) ([]domain.MailingRecipient, error)
	FunnelStats(ctx context.Context, since time.Time) (domain.FunnelStats, error)
}

// File is a rendered workbook.
type File struct {
	Name string
	Data []byte
	Rows int
}

// Reporter builds exports.
type Reporter struct {
	src   Source
	clock clock.Clock
}

func New(src Source, clk clock.Clock) *Reporter {
	if clk == nil {
		clk = clock.System{}
	}
	return &Reporter{src: src, clock: clk}
}

const timeLayout = "2006-01-02 15:04:05"

// Failures exports terminal delivery failures updated since the given time.
func (r *Reporter) Failures(ctx context.Context, since time.Time, limit int) (File, error) {
	list, err := r.src.ListFailures(ctx, since, limit)
	if err != nil {
		return File{}, fmt.Errorf("list failures: %w", err)
	}
	header := []any{"kind", "row_id", "user_id", "reference", "attempts", "last_error", "updated_at"}
	rows := make([][]any, 0, len(list))
	for _, f := range list {
		rows = append(rows, []any{f.Kind, f.RowID, f.UserID, f.Reference, f.Attempts, f.LastError, f.UpdatedAt.Format(timeLayout)})
	}
	name := fmt.Sprintf("failures_%s.xlsx", r.clock.Now().Format("20060102_150405"))
	return r.render(ctx, name, header, rows)
}

// Stats returns the funnel overview with new users counted since the given
// time.
func (r *Reporter) Stats(ctx context.Context, since time.Time) (domain.FunnelStats, error) {
	st, err := r.src.FunnelStats(ctx, since)
	if err != nil {
		return domain.FunnelStats{}, fmt.Errorf("funnel stats: %w", err)
	}
	logger.Debug(ctx, logger.CompReports, "stats.read",
		slog.Int("users", domain.Total(st.Users)),
		slog.Int("new_users", st.NewUsers),
	)
	return st, nil
}

// MailingRecipients exports the per-recipient state of a mailing.
func (r *Reporter) MailingRecipients(ctx context.Context, mailingID int64) (File, error) {
	m, err := r.src.GetMailing(ctx, mailingID)
	if err != nil {
		return File{}, err
	}
	list, err := r.src.ListRecipients(ctx, mailingID)
	if err != nil {
		return File{}, fmt.Errorf("list recipients: %w", err)
	}
	header := []any{"recipient_id", "user_id", "status", "attempts", "last_error", "sent_at"}
	rows := make([][]any, 0, len(list))
	for _, rc := range list {
		sent := ""
		if rc.SentAt != nil {
			sent = rc.SentAt.Format(timeLayout)
		}
		rows = append(rows, []any{rc.ID, rc.UserID, string(rc.Status), rc.Attempts, rc.LastError, sent})
	}
	name := fmt.Sprintf("mailing_%d_%s.xlsx", m.ID, r.clock.Now().Format("20060102_150405"))
	return r.render(ctx, name, header, rows)
}

func (r *Reporter) render(ctx context.Context, name string, header []any, rows [][]any) (File, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return File{}, fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return File{}, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return File{}, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return File{}, fmt.Errorf("freeze header: %w", err)
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return File{}, fmt.Errorf("write workbook: %w", err)
	}
	logger.Info(ctx, logger.CompReports, "report.render",
		slog.String("name", name),
		slog.Int("count", len(rows)),
	)
	return File{Name: name, Data: buf.Bytes(), Rows: len(rows)}, nil
}
