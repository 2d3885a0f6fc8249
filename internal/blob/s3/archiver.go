package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/auctionbot/internal/domain"
)

// ArchivePrefix is where auction history archives live in the bucket.
const ArchivePrefix = "archive/auctions/"

// maxPathAttempts bounds the search for a free archive key when several
// runs land in the same month.
const maxPathAttempts = 100

// ExistsChecker reports whether an object key is taken.
type ExistsChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchiveImpl implements domain.Archiver. It exports unarchived settled
// auctions as JSONL, uploads them and only then flags the rows archived.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	exists  ExistsChecker
	history domain.HistoryStore
	audit   domain.AuditStore
}

// NewArchiver creates an ArchiveImpl. exists and audit may be nil.
func NewArchiver(writer domain.BlobWriter, exists ExistsChecker, history domain.HistoryStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{writer: writer, exists: exists, history: history, audit: audit}
}

// ArchiveAuctions moves auctions finished before the cutoff to
// archive/auctions/YYYY-MM.jsonl and returns how many were archived.
func (a *ArchiveImpl) ArchiveAuctions(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.history.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions marshal: %w", err)
	}

	path, err := a.freePath(ctx, before)
	if err != nil {
		return 0, err
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions upload: %w", err)
	}

	marked, err := a.history.MarkArchived(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive auctions mark: %w", err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.auctions", map[string]any{
			"path":   path,
			"count":  count,
			"marked": marked,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive auctions audit log: %w", err)
		}
	}
	return count, nil
}

// freePath returns archive/auctions/YYYY-MM.jsonl, or the first
// YYYY-MM-N.jsonl not yet taken.
func (a *ArchiveImpl) freePath(ctx context.Context, before time.Time) (string, error) {
	month := before.UTC().Format("2006-01")
	path := ArchivePrefix + month + ".jsonl"
	if a.exists == nil {
		return path, nil
	}
	for n := 2; n <= maxPathAttempts+1; n++ {
		taken, err := a.exists.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive auctions path: %w", err)
		}
		if !taken {
			return path, nil
		}
		path = fmt.Sprintf("%s%s-%d.jsonl", ArchivePrefix, month, n)
	}
	return "", fmt.Errorf("s3blob: archive auctions path: no free key for %s", month)
}

// marshalJSONL encodes records one compact JSON object per line.
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

var _ domain.Archiver = (*ArchiveImpl)(nil)
