// Package search projects graph nodes and entries into Elasticsearch. The
// index is a derived view: a projection failure is logged, never allowed to
// fail the write path that produced it.
package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/config"
	"github.com/danielprocop/lifestory-graph/internal/models"
)

const (
	nodeIndex  = "nodes"
	entryIndex = "entries"
)

// ElasticClient provides integration with Elasticsearch
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

// IndexEntity indexes an entity's card document. The document ID is the
// entity ID, so reindexing after a replay overwrites in place.
func (c *ElasticClient) IndexEntity(ctx context.Context, entity *models.CanonicalEntity, aliases []string) error {
	doc := map[string]interface{}{
		"id":         entity.ID.String(),
		"owner_id":   entity.OwnerID.String(),
		"kind":       entity.Kind,
		"name":       entity.Name,
		"aliases":    aliases,
		"card":       entity.Card,
		"suppressed": models.IsSuppressedKind(entity.Kind),
	}
	if entity.AnchorKey != nil {
		doc["anchor_key"] = *entity.AnchorKey
	}
	return c.index(ctx, nodeIndex, entity.ID.String(), doc)
}

// IndexEntry indexes a journal entry for content search.
func (c *ElasticClient) IndexEntry(ctx context.Context, entry *models.Entry) error {
	doc := map[string]interface{}{
		"id":         entry.ID.String(),
		"owner_id":   entry.OwnerID.String(),
		"text":       entry.Text,
		"created_at": entry.CreatedAt,
	}
	return c.index(ctx, entryIndex, entry.ID.String(), doc)
}

// DeleteEntity removes an entity document, tolerating one that was never
// indexed.
func (c *ElasticClient) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	req := esapi.DeleteRequest{
		Index:      config.FormatIndex(c.config, nodeIndex),
		DocumentID: id.String(),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch delete request")
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != 404 {
		return errors.Errorf("Elasticsearch delete error: %s", res.Status())
	}
	return nil
}

// SearchNodes searches an owner's node documents by name, alias or card
// content and returns matching entity IDs, best match first.
func (c *ElasticClient) SearchNodes(ctx context.Context, owner uuid.UUID, q string, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 20
	}
	query := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"owner_id": owner.String()}},
					{"term": map[string]interface{}{"suppressed": false}},
				},
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  q,
						"fields": []string{"name^3", "aliases^2", "card"},
					},
				},
			},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(config.FormatIndex(c.config, nodeIndex)),
		c.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.Errorf("Elasticsearch search error: %s", res.Status())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	ids := make([]uuid.UUID, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		id, err := uuid.Parse(hit.ID)
		if err != nil {
			log.Warn().Str("doc_id", hit.ID).Msg("skipping search hit with non-uuid id")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *ElasticClient) index(ctx context.Context, index, docID string, doc map[string]interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, index),
		DocumentID: docID,
		Body:       bytes.NewReader(body),
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
	return nil
}
