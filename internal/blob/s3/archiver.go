package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold is the payload size above which uploads go
	// through the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// TradeHistory reads the market_bets rows of a time range.
type TradeHistory interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]domain.TradeRecord, error)
}

// AuditHistory reads the audit_log rows of a time range.
type AuditHistory interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]domain.AuditEntry, error)
}

// AuditLogger records that an export happened.
type AuditLogger interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// Archive implements domain.Archiver. Each UTC day becomes one JSONL object
// at archive/<kind>/YYYY-MM-DD.jsonl. Rows stay in the database.
type Archive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	trades TradeHistory
	audit  AuditHistory
	log    AuditLogger
}

// NewArchive creates an Archive.
func NewArchive(writer domain.BlobWriter, reader domain.BlobReader, trades TradeHistory, audit AuditHistory, log AuditLogger) *Archive {
	return &Archive{
		writer: writer,
		reader: reader,
		trades: trades,
		audit:  audit,
		log:    log,
	}
}

// ArchiveTrades exports the trade records created on day.
func (a *Archive) ArchiveTrades(ctx context.Context, day time.Time) (int, error) {
	return archiveDay(ctx, a, "trades", day, a.trades.ListBetween)
}

// ArchiveAudit exports the audit entries created on day.
func (a *Archive) ArchiveAudit(ctx context.Context, day time.Time) (int, error) {
	return archiveDay(ctx, a, "audit", day, a.audit.ListBetween)
}

func archiveDay[T any](
	ctx context.Context,
	a *Archive,
	kind string,
	day time.Time,
	list func(ctx context.Context, from, to time.Time) ([]T, error),
) (int, error) {
	from := dayStart(day)
	path := archivePath(kind, from)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if exists {
		return 0, nil
	}

	records, err := list(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := len(records)
	if a.log != nil {
		if err := a.log.Log(ctx, "archive."+kind, map[string]any{
			"path":  path,
			"count": count,
			"day":   from.Format(time.DateOnly),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
		}
	}
	return count, nil
}

// dayStart truncates t to midnight UTC.
func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// archivePath builds the object key for one day of one kind.
//
//	archive/trades/2026-09-16.jsonl
//	archive/audit/2026-09-16.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.Format(time.DateOnly))
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
