package canvas

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventToValues(t *testing.T) {
	e := &PlacementEvent{EventID: uuid.New().String(), X: 3, Y: 4, Color: 0x00FF00, TS: 1234}

	values := EventToValues(e)
	assert.Equal(t, e.EventID, values["event_id"])
	assert.Equal(t, "3", values["x"])
	assert.Equal(t, "4", values["y"])
	assert.Equal(t, "#00ff00", values["color"])
	assert.Equal(t, "1234", values["ts"])
	assert.NotContains(t, values, "user_id")

	e.UserID = "alice"
	assert.Equal(t, "alice", EventToValues(e)["user_id"])
}

func TestValuesToEvent(t *testing.T) {
	id := uuid.New().String()
	good := func() map[string]interface{} {
		return map[string]interface{}{
			"event_id": id,
			"x":        "5",
			"y":        "6",
			"color":    "#FF0000",
			"ts":       "100",
		}
	}

	t.Run("decodes a complete entry", func(t *testing.T) {
		values := good()
		values["user_id"] = "bob"
		e, err := ValuesToEvent(values)
		require.NoError(t, err)
		assert.Equal(t, &PlacementEvent{EventID: id, X: 5, Y: 6, Color: 0xFF0000, TS: 100, UserID: "bob"}, e)
	})

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		errMsg string
	}{
		{"missing event_id", func(v map[string]interface{}) { delete(v, "event_id") }, `missing field "event_id"`},
		{"non-numeric x", func(v map[string]interface{}) { v["x"] = "five" }, "invalid x field"},
		{"non-numeric y", func(v map[string]interface{}) { v["y"] = "" }, "invalid y field"},
		{"bad color", func(v map[string]interface{}) { v["color"] = "red" }, "invalid color field"},
		{"bad ts", func(v map[string]interface{}) { v["ts"] = "soon" }, "invalid ts field"},
		{"wrong type", func(v map[string]interface{}) { v["x"] = 5 }, "want string"},
		{"invalid uuid", func(v map[string]interface{}) { v["event_id"] = "x" }, "event_id must be a valid UUID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := good()
			tt.mutate(values)
			_, err := ValuesToEvent(values)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
