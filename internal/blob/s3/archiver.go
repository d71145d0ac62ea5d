package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

const (
	defaultArchiveBatch = 5000
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// EventArchiver implements domain.Archiver. It moves settlement events older
// than a cutoff into monthly JSONL objects and marks them archived in the
// primary store.
//
// Rows are never deleted here. Pruning archived rows is a separate step
// taken after the archive has been verified.
type EventArchiver struct {
	events domain.EventStore
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
	batch  int
	now    func() time.Time
}

// NewEventArchiver creates an EventArchiver. audit may be nil. A
// non-positive batch selects the default of 5000 events per object.
func NewEventArchiver(
	events domain.EventStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	audit domain.AuditStore,
	logger *slog.Logger,
	batch int,
) *EventArchiver {
	if batch <= 0 {
		batch = defaultArchiveBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventArchiver{
		events: events,
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		batch:  batch,
		now:    time.Now,
	}
}

// ArchiveEvents archives every unarchived event created before the cutoff
// and returns how many were archived. Events are grouped by the month they
// were emitted in.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		evs, err := a.events.ListUnarchivedBefore(ctx, before, a.batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events query: %w", err)
		}
		if len(evs) == 0 {
			return total, nil
		}

		for _, month := range groupByMonth(evs) {
			n, err := a.archiveMonth(ctx, month.key, month.events)
			total += n
			if err != nil {
				return total, err
			}
		}

		if len(evs) < a.batch {
			return total, nil
		}
	}
}

func (a *EventArchiver) archiveMonth(ctx context.Context, month string, evs []domain.Event) (int64, error) {
	buf, err := marshalJSONL(evs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path, err := a.freePath(ctx, month)
	if err != nil {
		return 0, err
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	ids := make([]string, len(evs))
	for i, ev := range evs {
		ids[i] = ev.ID
	}
	if err := a.events.MarkArchived(ctx, ids); err != nil {
		return 0, fmt.Errorf("s3blob: mark %d events archived: %w", len(ids), err)
	}

	count := int64(len(evs))
	a.logger.Info("archived settlement events",
		slog.String("path", path),
		slog.Int64("count", count),
	)
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.events", map[string]any{
			"path":  path,
			"count": count,
			"month": month,
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive events audit log: %w", err)
		}
	}
	return count, nil
}

// freePath returns archive/events/YYYY-MM.jsonl, or a timestamped sibling
// when a previous run already wrote that object.
func (a *EventArchiver) freePath(ctx context.Context, month string) (string, error) {
	path := archivePath("events", month, 0)
	if a.reader == nil {
		return path, nil
	}
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive events probe %s: %w", path, err)
	}
	if !exists {
		return path, nil
	}
	return archivePath("events", month, a.now().UnixNano()), nil
}

type monthBatch struct {
	key    string
	events []domain.Event
}

func groupByMonth(evs []domain.Event) []monthBatch {
	idx := make(map[string]int)
	var out []monthBatch
	for _, ev := range evs {
		key := ev.At.UTC().Format("2006-01")
		i, ok := idx[key]
		if !ok {
			i = len(out)
			idx[key] = i
			out = append(out, monthBatch{key: key})
		}
		out[i].events = append(out[i].events, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// archivePath builds the object path of an archive file:
//
//	archive/events/2026-01.jsonl
//	archive/events/2026-01-1767225600000000000.jsonl
func archivePath(kind, month string, suffix int64) string {
	if suffix == 0 {
		return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
	}
	return fmt.Sprintf("archive/%s/%s-%d.jsonl", kind, month, suffix)
}

// marshalJSONL serialises records as newline-delimited JSON.
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

var _ domain.Archiver = (*EventArchiver)(nil)
