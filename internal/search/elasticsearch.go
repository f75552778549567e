package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/event"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient indexes applied events and operational alerts.
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexEvent indexes an applied event for audit and search.
func (c *ElasticClient) IndexEvent(ctx context.Context, env *event.Envelope) error {
	doc := map[string]interface{}{
		"event_id":       env.EventID,
		"event_type":     env.EventType,
		"schema_version": env.SchemaVersion,
		"aggregate_type": env.AggregateType,
		"aggregate_id":   env.AggregateID,
		"payload":        env.Payload,
		"correlation_id": env.Metadata.CorrelationID,
		"actor_id":       env.Metadata.ActorID,
		"occurred_at":    env.OccurredAt,
	}
	return c.index(ctx, config.FormatIndex(c.config, c.config.EventIndex), env.EventID, doc)
}

// IndexAlert indexes an operational alert document.
func (c *ElasticClient) IndexAlert(ctx context.Context, doc map[string]interface{}) error {
	id, _ := doc["event_id"].(string)
	return c.index(ctx, config.FormatIndex(c.config, c.config.AlertIndex), id, doc)
}

func (c *ElasticClient) index(ctx context.Context, indexName, docID string, doc map[string]interface{}) error {
	docJson, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal document")
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: docID,
		Body:       bytes.NewReader(docJson),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("index", indexName).Str("doc_id", docID).Msg("document indexed")
	return nil
}
