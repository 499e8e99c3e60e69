package vectorstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/require"
)

func TestPointID_PreservesValidUUID(t *testing.T) {
	id := uuid.NewString()
	pid, original := pointID(id)
	require.Equal(t, id, pid.GetUuid())
	require.Empty(t, original)
}

func TestPointID_DerivesDeterministicUUIDForNonUUID(t *testing.T) {
	pid1, original1 := pointID("obs-123")
	pid2, original2 := pointID("obs-123")
	require.Equal(t, pid1.GetUuid(), pid2.GetUuid())
	require.Equal(t, "obs-123", original1)
	require.Equal(t, "obs-123", original2)
	require.NotEqual(t, "obs-123", pid1.GetUuid())
}

func TestIsDimensionError(t *testing.T) {
	require.False(t, isDimensionError(nil))
}

func TestQdrantDistance_DefaultsToCosine(t *testing.T) {
	q := &Qdrant{metric: "unknown"}
	require.Equal(t, qdrant.Distance_Cosine, q.distance())

	q2 := &Qdrant{metric: MetricEuclidean}
	require.Equal(t, qdrant.Distance_Euclid, q2.distance())
}
