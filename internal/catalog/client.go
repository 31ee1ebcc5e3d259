// Package catalog calls the enterprise catalog service.
package catalog

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/cache"
	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/models"
)

// Client answers catalog inclusion and content metadata questions. Metadata is
// cached across requests for a fixed TTL; inclusion is not, since catalog
// membership changes are expected to apply immediately.
type Client struct {
	api      *httpx.Client
	metadata *cache.TTL[models.ContentMetadata]
}

// NewClient returns a catalog Client. A non-positive ttl disables metadata caching.
func NewClient(api *httpx.Client, metadataTTL time.Duration) *Client {
	c := &Client{api: api}
	if metadataTTL > 0 {
		c.metadata = cache.NewTTL[models.ContentMetadata](4096, metadataTTL)
	}
	return c
}

func catalogPath(catalogUUID uuid.UUID, suffix string) string {
	return "/api/v1/enterprise-catalogs/" + catalogUUID.String() + "/" + suffix
}

// ContainsContentItems reports whether the catalog contains every key.
func (c *Client) ContainsContentItems(ctx context.Context, catalogUUID uuid.UUID, contentKeys []string) (bool, error) {
	q := url.Values{}
	for _, k := range contentKeys {
		q.Add("course_run_ids", k)
	}
	var out struct {
		ContainsContentItems bool `json:"contains_content_items"`
	}
	if err := c.api.GetJSON(ctx, catalogPath(catalogUUID, "contains_content_items/"), q, &out); err != nil {
		return false, err
	}
	return out.ContainsContentItems, nil
}

// ContentMetadata returns metadata for each key found in the catalog.
func (c *Client) ContentMetadata(ctx context.Context, catalogUUID uuid.UUID, contentKeys []string) ([]models.ContentMetadata, error) {
	var out []models.ContentMetadata
	var missing []string
	for _, k := range contentKeys {
		if c.metadata != nil {
			if md, ok := c.metadata.Get(metadataKey(catalogUUID, k)); ok {
				out = append(out, md)
				continue
			}
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out, nil
	}

	q := url.Values{}
	for _, k := range missing {
		q.Add("content_keys", k)
	}
	var page struct {
		Results []models.ContentMetadata `json:"results"`
	}
	if err := c.api.GetJSON(ctx, catalogPath(catalogUUID, "get_content_metadata/"), q, &page); err != nil {
		return nil, err
	}
	for _, md := range page.Results {
		if c.metadata != nil {
			c.metadata.Add(metadataKey(catalogUUID, md.Key), md)
		}
		out = append(out, md)
	}
	return out, nil
}

func metadataKey(catalogUUID uuid.UUID, key string) string {
	return cache.Key("content_metadata", catalogUUID, key)
}
