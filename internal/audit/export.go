package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Export writes matching entries as zstd-compressed JSON lines, oldest first.
func (t *Trail) Export(ctx context.Context, w io.Writer, f EntryFilter) (int, error) {
	if f.Limit <= 0 {
		f.Limit = MaxLimit
	}
	entries, err := t.store.ListEntries(ctx, f)
	if err != nil {
		return 0, err
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("audit: zstd writer: %w", err)
	}
	js := json.NewEncoder(enc)
	for i := len(entries) - 1; i >= 0; i-- {
		if err := js.Encode(entries[i]); err != nil {
			_ = enc.Close()
			return 0, fmt.Errorf("audit: encode entry: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("audit: flush export: %w", err)
	}
	return len(entries), nil
}
