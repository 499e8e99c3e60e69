// Package vectorstore is the pluggable vector index behind code and
// memory search (spec.md §4.4, §4.6, §4.8). The qdrant adapter is
// grounded on intelligencedev-manifold's
// internal/persistence/databases/qdrant_vector.go: deterministic UUID
// derivation for non-UUID ids (qdrant only accepts UUIDs or positive
// integers as point ids), collection-existence checks, and distance
// metric selection.
package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// originalIDField stores the caller-supplied id in the payload whenever
// it is not itself a valid UUID, mirroring the teacher's PAYLOAD_ID_FIELD.
const originalIDField = "_original_id"

// Result is one similarity search hit.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Store is the contract the retrieval engine and indexer depend on. Both
// the code-chunk collection and the observation/memory collection are
// separate Store instances sharing one underlying client.
type Store interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	DeleteByMetadata(ctx context.Context, key, value string) error
	Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]Result, error)
	Dimension() int
	Count(ctx context.Context) (int, error)
	Close() error
}

// Metric is the distance function used by a collection.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricDot       Metric = "dot"
	MetricManhattan Metric = "manhattan"
)

// Qdrant is a Store backed by a Qdrant collection over its gRPC API.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     Metric
}

var _ Store = (*Qdrant)(nil)

// Open connects to Qdrant at dsn (e.g. "http://localhost:6334", with an
// optional "?api_key=" query parameter) and ensures collection exists
// with the given dimension/metric, creating it if absent.
func Open(dsn, collection string, dimension int, metric Metric) (*Qdrant, error) {
	if collection == "" {
		return nil, fmt.Errorf("vectorstore: collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: invalid port in dsn: %w", err)
	}

	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if key := parsed.Query().Get("api_key"); key != "" {
		cfg.APIKey = key
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create client: %w", err)
	}

	q := &Qdrant{client: client, collection: collection, dimension: dimension, metric: metric}
	if err := q.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("vectorstore: ensure collection: %w", err)
	}
	return q, nil
}

func (q *Qdrant) distance() qdrant.Distance {
	switch q.metric {
	case MetricEuclidean:
		return qdrant.Distance_Euclid
	case MetricDot:
		return qdrant.Distance_Dot
	case MetricManhattan:
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

func (q *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	if q.dimension <= 0 {
		return fmt.Errorf("dimension must be > 0")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: q.distance(),
		}),
	})
}

// recreate drops and recreates the collection with a new dimension; used
// when CheckDimension detects a mismatch (spec.md §4.4, §7 "Internal
// invariant violation ... the adapter recreates the collection and
// retries once").
func (q *Qdrant) recreate(ctx context.Context, dimension int) error {
	if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
		return fmt.Errorf("delete collection for recreate: %w", err)
	}
	q.dimension = dimension
	return q.ensureCollection(ctx)
}

func pointID(id string) (*qdrant.PointId, string) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), ""
	}
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	return qdrant.NewIDUUID(derived), id
}

// Upsert inserts or replaces a point. If an upsert fails because the
// vector's dimension disagrees with the collection, the caller (usually
// the processor or indexer) should call CheckDimension first; Upsert
// itself makes one recreate-and-retry attempt on a dimension error.
func (q *Qdrant) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	pid, originalID := pointID(id)

	payload := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payload[k] = v
	}
	if originalID != "" {
		payload[originalIDField] = originalID
	}

	points := []*qdrant.PointStruct{{
		Id:      pid,
		Vectors: qdrant.NewVectorsDense(append([]float32(nil), vector...)),
		Payload: qdrant.NewValueMap(payload),
	}}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collection, Points: points})
	if err != nil && isDimensionError(err) {
		if rerr := q.recreate(ctx, len(vector)); rerr != nil {
			return fmt.Errorf("upsert after dimension mismatch: %w", rerr)
		}
		_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collection, Points: points})
	}
	return err
}

func isDimensionError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "dimension")
}

func (q *Qdrant) Delete(ctx context.Context, id string) error {
	pid, _ := pointID(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pid),
	})
	return err
}

// DeleteByMetadata deletes every point whose payload field key == value,
// used by the indexer to remove all chunks of a file on re-index/delete.
func (q *Qdrant) DeleteByMetadata(ctx context.Context, key, value string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(key, value)},
		}),
	})
	return err
}

func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int, filter map[string]string) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	lim := uint64(limit)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(append([]float32(nil), vector...)),
		Limit:          &lim,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		id := hit.Id.GetUuid()
		if id == "" {
			id = hit.Id.String()
		}
		metadata := make(map[string]string)
		original := ""
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == originalIDField {
					original = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		if original != "" {
			id = original
		}
		results = append(results, Result{ID: id, Score: float64(hit.Score), Metadata: metadata})
	}
	return results, nil
}

func (q *Qdrant) Dimension() int { return q.dimension }

func (q *Qdrant) Count(ctx context.Context) (int, error) {
	exact := true
	count, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.collection, Exact: &exact})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

// CheckDimension recreates the collection if its configured dimension
// disagrees with actualDimension (called once at startup after the
// embedding provider's warmup call reports its real vector size).
func (q *Qdrant) CheckDimension(ctx context.Context, actualDimension int) error {
	if actualDimension <= 0 || actualDimension == q.dimension {
		return nil
	}
	return q.recreate(ctx, actualDimension)
}
