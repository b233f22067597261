package store

import (
	"context"
	"errors"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

// --- Mocks ---

type mockPoints struct {
	pb.PointsClient

	upsertReq  *pb.UpsertPoints
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	searchReq  *pb.SearchPoints
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, req *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	m.upsertReq = req
	return m.upsertResp, m.upsertErr
}

func (m *mockPoints) Search(_ context.Context, req *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	m.searchReq = req
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	pb.CollectionsClient

	listResp  *pb.ListCollectionsResponse
	listErr   error
	createErr error
	creates   int
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}

func (m *mockCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	m.creates++
	if m.createErr != nil {
		return nil, m.createErr
	}
	return &pb.CollectionOperationResponse{Result: true}, nil
}

func emptyList() *pb.ListCollectionsResponse {
	return &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{}}
}

// --- Tests ---

func TestQdrant_EnsureCollection_AlreadyExists(t *testing.T) {
	cols := &mockCollections{
		listResp: &pb.ListCollectionsResponse{
			Collections: []*pb.CollectionDescription{{Name: "shard0_records"}},
		},
	}
	q := NewQdrantWithClients(&mockPoints{}, cols)
	if err := q.EnsureCollection(context.Background(), "shard0_records", 768); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.creates != 0 {
		t.Fatal("existing collection must not be recreated")
	}
}

func TestQdrant_EnsureCollection_Creates(t *testing.T) {
	cols := &mockCollections{listResp: emptyList()}
	q := NewQdrantWithClients(&mockPoints{}, cols)
	if err := q.EnsureCollection(context.Background(), "shard0_records", 768); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cols.creates != 1 {
		t.Fatalf("creates = %d, want 1", cols.creates)
	}
}

func TestQdrant_EnsureCollection_CreateRaceLost(t *testing.T) {
	// Concurrent creator won: create reports AlreadyExists, which is the
	// success path, not an error.
	cols := &mockCollections{
		listResp:  emptyList(),
		createErr: status.Error(codes.AlreadyExists, "collection exists"),
	}
	q := NewQdrantWithClients(&mockPoints{}, cols)
	if err := q.EnsureCollection(context.Background(), "shard0_records", 768); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQdrant_EnsureCollection_BothPathsFail(t *testing.T) {
	cols := &mockCollections{
		listErr:   errors.New("list rpc failed"),
		createErr: status.Error(codes.Internal, "create failed"),
	}
	q := NewQdrantWithClients(&mockPoints{}, cols)
	err := q.EnsureCollection(context.Background(), "shard0_records", 768)
	if !errors.Is(err, domain.ErrDatabase) {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
}

func TestQdrant_Upsert_MapsRecords(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{}}
	q := NewQdrantWithClients(pts, &mockCollections{})

	rec := sealed("0b54db50-9d2c-4c8c-a17a-9a5e58e2e0a1", "P1", []float32{1, 0, 0, 0})
	if err := q.Upsert(context.Background(), "recs", []SealedRecord{rec}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if len(pts.upsertReq.GetPoints()) != 1 {
		t.Fatalf("points = %d, want 1", len(pts.upsertReq.GetPoints()))
	}
	p := pts.upsertReq.GetPoints()[0]
	if p.GetId().GetUuid() != rec.ID() {
		t.Fatalf("point id = %s", p.GetId().GetUuid())
	}
	if p.GetPayload()["patient_id"].GetStringValue() != "P1" {
		t.Fatal("patient_id must be stored in plaintext payload")
	}
	for _, key := range []string{"wrapped_key", "nonce", "ciphertext"} {
		if p.GetPayload()[key].GetStringValue() == "" {
			t.Fatalf("payload %s missing", key)
		}
	}
	if !pts.upsertReq.GetWait() {
		t.Fatal("upsert must wait for durability")
	}
}

func TestQdrant_Upsert_Empty(t *testing.T) {
	pts := &mockPoints{}
	q := NewQdrantWithClients(pts, &mockCollections{})
	if err := q.Upsert(context.Background(), "recs", nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if pts.upsertReq != nil {
		t.Fatal("empty batch must not reach the backend")
	}
}

func TestQdrant_Query_RoundTrip(t *testing.T) {
	rec := sealed("0b54db50-9d2c-4c8c-a17a-9a5e58e2e0a1", "P1", nil)
	pts := &mockPoints{
		searchResp: &pb.SearchResponse{
			Result: []*pb.ScoredPoint{{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID()}},
				Score:   0.91,
				Payload: sealedPayload(rec),
			}},
		},
	}
	q := NewQdrantWithClients(pts, &mockCollections{})

	hits, err := q.Query(context.Background(), "recs", make([]float32, 4), 5, "P1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	got := hits[0].Record
	if got.ID() != rec.ID() || got.PatientID() != "P1" {
		t.Fatalf("record mismatch: %+v", got.Envelope)
	}
	if string(got.Envelope.Ciphertext) != "ct" {
		t.Fatalf("ciphertext round trip failed: %q", got.Envelope.Ciphertext)
	}
	if hits[0].Score != 0.91 {
		t.Fatalf("score = %v", hits[0].Score)
	}

	// Filter must be pushed server-side.
	if pts.searchReq.GetFilter() == nil || len(pts.searchReq.GetFilter().GetMust()) != 1 {
		t.Fatal("patient filter missing from search request")
	}
}

func TestQdrant_Query_NoFilter(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{}}
	q := NewQdrantWithClients(pts, &mockCollections{})
	if _, err := q.Query(context.Background(), "recs", make([]float32, 4), 5, ""); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if pts.searchReq.GetFilter() != nil {
		t.Fatal("unfiltered query must not set a filter")
	}
}

func TestQdrant_Query_Error(t *testing.T) {
	pts := &mockPoints{searchErr: errors.New("rpc failed")}
	q := NewQdrantWithClients(pts, &mockCollections{})
	if _, err := q.Query(context.Background(), "recs", make([]float32, 4), 5, ""); err == nil {
		t.Fatal("expected error")
	}
}
