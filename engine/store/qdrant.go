package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// Qdrant is a Conn backed by a Qdrant instance over gRPC. Patient filtering
// happens server-side via a payload field condition, so no over-fetch is
// needed.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// NewQdrant dials Qdrant at the given gRPC address.
func NewQdrant(addr string) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &domain.InitError{Component: "qdrant", Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// NewQdrantWithClients creates a Qdrant Conn from existing clients. Used in
// tests.
func NewQdrantWithClients(points pb.PointsClient, collections pb.CollectionsClient) *Qdrant {
	return &Qdrant{points: points, collections: collections}
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection implements Conn. Create races are converged by treating
// AlreadyExists as success and falling back to a load check; if both create
// and load fail, both failures are reported.
func (q *Qdrant) EnsureCollection(ctx context.Context, collection string, dims int) error {
	if ok, err := q.collectionExists(ctx, collection); err == nil && ok {
		return nil
	}

	d := uint64(dims)
	_, createErr := q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     d,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if createErr == nil || status.Code(createErr) == codes.AlreadyExists {
		return nil
	}

	// Create failed for another reason; a concurrent creator may still have
	// won, so load before giving up.
	ok, loadErr := q.collectionExists(ctx, collection)
	if loadErr == nil && ok {
		return nil
	}
	return &domain.DatabaseError{
		Shard: collection,
		Op:    "ensure collection",
		Err:   fmt.Errorf("create failed: %v; load failed: %v", createErr, loadErr),
	}
}

func (q *Qdrant) collectionExists(ctx context.Context, collection string) (bool, error) {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, err
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == collection {
			return true, nil
		}
	}
	return false, nil
}

// Upsert implements Conn. Qdrant point upserts replace by id, so replays are
// idempotent.
func (q *Qdrant) Upsert(ctx context.Context, collection string, records []SealedRecord) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID()},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: sealedPayload(r),
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(records), err)
	}
	return nil
}

// Query implements Conn.
func (q *Qdrant) Query(ctx context.Context, collection string, vector []float32, topK int, patientFilter string) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if patientFilter != "" {
		req.Filter = &pb.Filter{
			Must: []*pb.Condition{fieldMatch("patient_id", patientFilter)},
		}
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		rec, err := sealedFromPayload(r.GetId().GetUuid(), r.GetPayload())
		if err != nil {
			return nil, fmt.Errorf("qdrant: decode point %s: %w", r.GetId().GetUuid(), err)
		}
		hits = append(hits, Hit{Record: rec, Score: r.GetScore()})
	}
	return hits, nil
}

func sealedPayload(r SealedRecord) map[string]*pb.Value {
	return map[string]*pb.Value{
		"patient_id":  stringValue(r.PatientID()),
		"wrapped_key": stringValue(base64.StdEncoding.EncodeToString(r.Envelope.WrappedKey)),
		"nonce":       stringValue(base64.StdEncoding.EncodeToString(r.Envelope.Nonce)),
		"ciphertext":  stringValue(base64.StdEncoding.EncodeToString(r.Envelope.Ciphertext)),
		"created_at":  stringValue(r.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func sealedFromPayload(id string, payload map[string]*pb.Value) (SealedRecord, error) {
	get := func(key string) string { return payload[key].GetStringValue() }

	wrapped, err := base64.StdEncoding.DecodeString(get("wrapped_key"))
	if err != nil {
		return SealedRecord{}, fmt.Errorf("wrapped_key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(get("nonce"))
	if err != nil {
		return SealedRecord{}, fmt.Errorf("nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(get("ciphertext"))
	if err != nil {
		return SealedRecord{}, fmt.Errorf("ciphertext: %w", err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, get("created_at"))

	return SealedRecord{
		Envelope: domain.EncryptedEnvelope{
			ID:         id,
			PatientID:  get("patient_id"),
			WrappedKey: wrapped,
			Nonce:      nonce,
			Ciphertext: ciphertext,
		},
		CreatedAt: createdAt,
	}, nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
