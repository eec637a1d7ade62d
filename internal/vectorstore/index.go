package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fenrir/convoy/internal/embedding"
)

const collectionName = "agent_capabilities"

// Config holds Qdrant connection settings.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Index is a semantic index of agent capability profiles over Qdrant.
// Agents are upserted with an embedded description of what they do;
// Match returns the closest agents to a task description. Implements
// the router's Matcher.
type Index struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	embedder    embedding.Provider
	logger      *zap.Logger
}

// New dials Qdrant and ensures the capability collection exists.
func New(cfg Config, embedder embedding.Provider, logger *zap.Logger) (*Index, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	idx := &Index{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		embedder:    embedder,
		logger:      logger,
	}
	if err := idx.ensureCollection(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("Qdrant capability index ready", zap.String("addr", addr))
	return idx, nil
}

func (ix *Index) ensureCollection(ctx context.Context) error {
	if _, err := ix.collections.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: collectionName,
	}); err == nil {
		return nil
	}
	dim := ix.embedder.Dimension()
	if dim <= 0 {
		dim = 1536
	}
	_, err := ix.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", collectionName, err)
	}
	return nil
}

// IndexAgent embeds the agent's capability profile and upserts its point.
// The agent name keys the point, so re-indexing replaces the profile.
func (ix *Index) IndexAgent(ctx context.Context, name, profile string) error {
	vecs, err := ix.embedder.Embed(ctx, []string{profile})
	if err != nil {
		return fmt.Errorf("embed profile for %s: %w", name, err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("embed profile for %s: empty response", name)
	}
	_, err = ix.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collectionName,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(name)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: vecs[0]},
			}},
			Payload: map[string]*pb.Value{
				"agent": {Kind: &pb.Value_StringValue{StringValue: name}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("index agent %s: %w", name, err)
	}
	ix.logger.Debug("indexed agent profile", zap.String("agent", name))
	return nil
}

// Remove deletes the agent's point from the index.
func (ix *Index) Remove(ctx context.Context, name string) error {
	_, err := ix.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{
					{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(name)}},
				}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("remove agent %s: %w", name, err)
	}
	return nil
}

// Match embeds text and returns the closest agent names, best first.
func (ix *Index) Match(ctx context.Context, text string, limit int) ([]string, error) {
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}
	resp, err := ix.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collectionName,
		Vector:         vecs[0],
		Limit:          uint64(limit),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search capabilities: %w", err)
	}

	names := make([]string, 0, len(resp.Result))
	for _, hit := range resp.Result {
		if v, ok := hit.Payload["agent"]; ok {
			if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
				names = append(names, sv.StringValue)
			}
		}
	}
	return names, nil
}

// Close tears down the gRPC connection.
func (ix *Index) Close() error {
	return ix.conn.Close()
}

// Qdrant point ids must be UUIDs; derive one deterministically from the
// agent name so re-registration hits the same point.
var pointNamespace = uuid.MustParse("9c5eab40-7d5a-4a7e-9a3d-3f0f8f2cb0aa")

func pointID(name string) string {
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}
