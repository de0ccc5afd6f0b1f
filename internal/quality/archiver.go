// internal/quality/archiver.go
package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldlog/voice-pipeline/internal/common/database"
)

// ESArchiver writes each sample to an Elasticsearch index so quality data
// outlives the in-memory retention window.
type ESArchiver struct {
	es    *database.ElasticsearchClient
	index string
}

func NewESArchiver(es *database.ElasticsearchClient, index string) *ESArchiver {
	if index == "" {
		index = "voice-quality-samples"
	}
	return &ESArchiver{es: es, index: index}
}

func (a *ESArchiver) Archive(ctx context.Context, s Sample) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	res, err := a.es.Client.Index(
		a.index,
		bytes.NewReader(body),
		a.es.Client.Index.WithContext(ctx),
		a.es.Client.Index.WithDocumentID(s.RunID),
	)
	if err != nil {
		return fmt.Errorf("index sample: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index sample: %s", res.Status())
	}
	return nil
}
