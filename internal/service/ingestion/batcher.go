package ingestion

import "duck-ingest/internal/domain"

// TargetBatchSize picks the batch size for a file of about total rows.
// Accelerated backends reject long transactions, so large files use
// smaller batches there.
func TargetBatchSize(total int64, mode domain.BackendMode) int {
	if mode == domain.BackendModeAccelerated {
		switch {
		case total > 500_000:
			return 200
		case total > 100_000:
			return 500
		case total > 10_000:
			return 1_000
		default:
			return 2_000
		}
	}
	switch {
	case total > 500_000:
		return 500
	case total > 100_000:
		return 1_000
	default:
		return 2_000
	}
}

// Batcher groups tagged rows into fixed-size batches in source order.
type Batcher struct {
	fileID  string
	size    int
	seq     int64
	buf     []domain.TaggedRow
	flushed bool
}

// NewBatcher creates a Batcher emitting batches of size rows.
func NewBatcher(fileID string, size int) *Batcher {
	if size <= 0 {
		size = 1
	}
	return &Batcher{fileID: fileID, size: size, buf: make([]domain.TaggedRow, 0, size)}
}

// Size returns the target batch size.
func (b *Batcher) Size() int { return b.size }

// Add appends row and returns a batch when it reaches the target size.
func (b *Batcher) Add(row domain.TaggedRow) (*domain.Batch, bool) {
	b.buf = append(b.buf, row)
	if len(b.buf) < b.size {
		return nil, false
	}
	return b.emit(), true
}

// Flush returns the trailing partial batch, which may be empty. It reports
// true only on its first call.
func (b *Batcher) Flush() (*domain.Batch, bool) {
	if b.flushed {
		return nil, false
	}
	b.flushed = true
	return b.emit(), true
}

func (b *Batcher) emit() *domain.Batch {
	b.seq++
	out := &domain.Batch{Seq: b.seq, TargetSize: b.size, FileID: b.fileID, Rows: b.buf}
	b.buf = make([]domain.TaggedRow, 0, b.size)
	return out
}
