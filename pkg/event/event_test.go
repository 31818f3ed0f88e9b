package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New("proj-1", TypeProjectCreated, "system", map[string]any{"title": "demo"})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "proj-1", e.ProjectID)
	assert.Equal(t, TypeProjectCreated, e.Type)
	assert.Equal(t, "system", e.Actor)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "demo", e.PayloadString("title"))

	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err, "event ID should be a valid UUID")
}

func TestValidate(t *testing.T) {
	valid := func() *Event {
		return New("proj-1", TypeImageGenerated, "image-agent", nil)
	}

	t.Run("accepts valid event", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("rejects non-UUID event ID", func(t *testing.T) {
		e := valid()
		e.ID = "not-a-uuid"
		err := e.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid event ID")
	})

	t.Run("rejects empty project ID", func(t *testing.T) {
		e := valid()
		e.ProjectID = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects unknown event type", func(t *testing.T) {
		e := valid()
		e.Type = "NOT_A_TYPE"
		err := e.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown event type")
	})

	t.Run("rejects empty actor", func(t *testing.T) {
		e := valid()
		e.Actor = ""
		assert.Error(t, e.Validate())
	})

	t.Run("rejects zero timestamp", func(t *testing.T) {
		e := valid()
		e.Timestamp = time.Time{}
		assert.Error(t, e.Validate())
	})

	t.Run("rejects malformed causation ID", func(t *testing.T) {
		e := valid()
		e.CausationID = "bogus"
		assert.Error(t, e.Validate())
	})

	t.Run("accepts valid causation ID", func(t *testing.T) {
		parent := valid()
		e := valid().CausedBy(parent)
		assert.Equal(t, parent.ID, e.CausationID)
		assert.NoError(t, e.Validate())
	})
}

func TestMarshalRoundTrip(t *testing.T) {
	e := New("proj-1", TypePreviewVideoReady, "video-agent", map[string]any{
		"shot_id": "shot-3",
		"url":     "https://store.example/clip.mp4",
	}).WithCost(12.5)

	data, err := e.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, "shot-3", decoded.PayloadString("shot_id"))
	assert.Equal(t, 12.5, decoded.CostAmount())

	// Unknown payload fields survive the round trip unmodified.
	e.Payload["future_field"] = "kept"
	data, err = e.Marshal()
	require.NoError(t, err)
	decoded, err = Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "kept", decoded.PayloadString("future_field"))
}

func TestCostBearing(t *testing.T) {
	assert.True(t, TypeImageGenerated.CostBearing())
	assert.True(t, TypeFinalVideoReady.CostBearing())
	assert.True(t, TypeConsistencyFailed.CostBearing())
	assert.False(t, TypeProjectCreated.CostBearing())
	assert.False(t, TypeUserApproved.CostBearing())
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "event_stream:IMAGE_GENERATED", TypeImageGenerated.Topic(""))
	assert.Equal(t, "custom:IMAGE_GENERATED", TypeImageGenerated.Topic("custom:"))
}

func TestPayloadFloat(t *testing.T) {
	e := New("proj-1", TypeConsistencyFailed, "qa-agent", map[string]any{
		"cost_impact": 25.0,
		"retry_count": 3,
		"severity":    "medium",
	})

	assert.Equal(t, 25.0, e.PayloadFloat("cost_impact"))
	assert.Equal(t, 3.0, e.PayloadFloat("retry_count"))
	assert.Equal(t, 0.0, e.PayloadFloat("severity"), "non-numeric field reads as zero")
	assert.Equal(t, 0.0, e.PayloadFloat("missing"))
}
