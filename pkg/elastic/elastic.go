package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/session"
	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/google/uuid"
)

const DefaultIndex = "saesweep_eval"

var DebugLog func(string, ...interface{})

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
}

type Client struct {
	es    *es8.Client
	index string
}

// EvalDocument is one evaluated dictionary as stored in the index.
type EvalDocument struct {
	AEPath        string                 `json:"ae_path"`
	ModelName     string                 `json:"model_name"`
	Metrics       map[string]interface{} `json:"metrics"`
	NInputs       int                    `json:"n_inputs"`
	ContextLength int                    `json:"context_length"`
	Timestamp     time.Time              `json:"@timestamp"`
}

// DocumentID is stable per artifact path so re-evaluations replace the
// previous document.
func (d EvalDocument) DocumentID() string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(d.AEPath)).String()
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = DefaultIndex
	}

	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: session.Transport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %s", res.Status())
	}

	return &Client{es: es, index: index}, nil
}

func (c *Client) Index() string {
	return c.index
}

// IndexEvalResults bulk-indexes the documents and returns how many were
// accepted.
func (c *Client) IndexEvalResults(ctx context.Context, docs []EvalDocument) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      c.index,
		NumWorkers: 4,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var failed atomic.Int64
	for _, doc := range docs {
		if doc.Timestamp.IsZero() {
			doc.Timestamp = time.Now().UTC()
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal document for %s: %w", doc.AEPath, err)
		}

		path := doc.AEPath
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.DocumentID(),
			Body:       bytes.NewReader(body),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if DebugLog != nil {
					if err != nil {
						DebugLog("failed to index %s: %v", path, err)
					} else {
						DebugLog("failed to index %s: %s: %s", path, resp.Error.Type, resp.Error.Reason)
					}
				}
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			return 0, fmt.Errorf("bulk add failed: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return 0, fmt.Errorf("bulk indexer close failed: %w", err)
	}

	stats := bi.Stats()
	if n := failed.Load(); n > 0 {
		return int(stats.NumIndexed), fmt.Errorf("%d of %d documents failed to index", n, len(docs))
	}
	return int(stats.NumIndexed), nil
}
