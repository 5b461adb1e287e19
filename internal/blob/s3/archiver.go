package s3blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	json "github.com/goccy/go-json"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// deadLetterRecord is the JSON document written for each quarantined event.
type deadLetterRecord struct {
	ChainID     uint64 `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint   `json:"log_index"`
	TxHash      string `json:"tx_hash"`
	Owner       string `json:"owner"`
	OrderID     string `json:"order_id,omitempty"`
	Payload     string `json:"payload"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"created_at"`
}

// DeadLetterArchive copies quarantined events to object storage so they
// survive independently of the database and can be replayed by hand.
type DeadLetterArchive struct {
	writer domain.BlobWriter
}

// NewDeadLetterArchive creates an archive writing through w.
func NewDeadLetterArchive(w domain.BlobWriter) *DeadLetterArchive {
	return &DeadLetterArchive{writer: w}
}

// Archive uploads dl as JSON under dead-letters/{chain}/{block}-{logIndex}.json.
// The key is a function of the event position, so re-archiving the same event
// overwrites the previous copy.
func (a *DeadLetterArchive) Archive(ctx context.Context, dl domain.DeadLetter) error {
	rec := deadLetterRecord{
		ChainID:     dl.ChainID,
		BlockNumber: dl.BlockNumber,
		LogIndex:    dl.LogIndex,
		TxHash:      dl.TxHash.Hex(),
		Owner:       dl.Owner.Hex(),
		OrderID:     dl.OrderID,
		Payload:     hexutil.Encode(dl.Payload),
		Reason:      dl.Reason,
		CreatedAt:   dl.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3blob: marshal dead letter: %w", err)
	}

	path := DeadLetterPath(dl)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive dead letter: %w", err)
	}
	return nil
}

// DeadLetterPath returns the object path for dl.
func DeadLetterPath(dl domain.DeadLetter) string {
	return fmt.Sprintf("dead-letters/%d/%012d-%05d.json", dl.ChainID, dl.BlockNumber, dl.LogIndex)
}
