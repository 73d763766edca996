package scout

import (
	"context"

	"casparian/internal/catalog"
	"casparian/internal/core"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// DefaultBatchSize is how many scanned files share one frame.
const DefaultBatchSize = 256

// scanRunner is what Stream needs from the catalog scanner.
type scanRunner interface {
	Scan(ctx context.Context, src *store.Source) (*catalog.ScanStats, []*catalog.ScannedFile, error)
}

// Stream runs a scan and writes its results to the encoder as batch frames
// followed by a done frame. A scan failure becomes an error frame; encoder
// failures abort.
func Stream(ctx context.Context, scanner scanRunner, src *store.Source, enc *Encoder, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	stats, files, err := scanner.Scan(ctx, src)
	if err != nil {
		logging.Scout("Scan of %s failed: %v", src.Name, err)
		return enc.Encode(&WireMessage{Type: MessageError, Error: err.Error()})
	}

	var sent int64
	for start := 0; start < len(files); start += batchSize {
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := make([]catalog.ScannedFile, 0, end-start)
		for _, f := range files[start:end] {
			batch = append(batch, *f)
			sent += f.Size
		}
		if err := enc.Encode(&WireMessage{Type: MessageBatch, Batch: batch}); err != nil {
			return err
		}
		if err := enc.Encode(&WireMessage{Type: MessageProgress, Progress: &Progress{
			Dirs: stats.Dirs, Files: int64(end), Bytes: sent,
		}}); err != nil {
			return err
		}
	}
	logging.Scout("Streamed %d files from %s", len(files), src.Name)
	return enc.Encode(&WireMessage{Type: MessageDone, Done: stats})
}

// Collect consumes a stream until done or error, returning the files and
// final stats. Used by the parent side of the scan channel.
func Collect(dec *Decoder) ([]catalog.ScannedFile, *catalog.ScanStats, error) {
	var files []catalog.ScannedFile
	for {
		msg, err := dec.Decode()
		if err != nil {
			return nil, nil, err
		}
		switch msg.Type {
		case MessageBatch:
			files = append(files, msg.Batch...)
		case MessageProgress:
			// informational only
		case MessageError:
			return nil, nil, core.E(core.KindIO, "remote scan failed: %s", msg.Error)
		case MessageDone:
			return files, msg.Done, nil
		}
	}
}
