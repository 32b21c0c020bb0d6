package canvas

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseColor(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Color
		wantErr bool
	}{
		{name: "with hash", input: "#FF0000", want: 0xFF0000},
		{name: "without hash", input: "00ff00", want: 0x00FF00},
		{name: "mixed case", input: "#AbCdEf", want: 0xABCDEF},
		{name: "black", input: "#000000", want: 0},
		{name: "not hex", input: "ZZZZZZ", wantErr: true},
		{name: "too short", input: "#FFF", wantErr: true},
		{name: "too long", input: "#FFFFFFF", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "double hash", input: "##FFFFFF", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseColor(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestColor_String(t *testing.T) {
	assert.Equal(t, "#ff0000", Color(0xFF0000).String())
	assert.Equal(t, "#000001", Color(1).String())
	assert.Equal(t, "#ffffff", White.String())
}

func TestColor_RGB(t *testing.T) {
	r, g, b := Color(0x123456).RGB()
	assert.Equal(t, uint8(0x12), r)
	assert.Equal(t, uint8(0x34), g)
	assert.Equal(t, uint8(0x56), b)
}

func TestColor_JSON(t *testing.T) {
	data, err := json.Marshal(Color(0x00FF00))
	require.NoError(t, err)
	assert.Equal(t, `"#00ff00"`, string(data))

	var c Color
	require.NoError(t, json.Unmarshal([]byte(`"0000FF"`), &c))
	assert.Equal(t, Color(0x0000FF), c)

	assert.Error(t, json.Unmarshal([]byte(`123`), &c))
	assert.Error(t, json.Unmarshal([]byte(`"blue"`), &c))
}

func TestPlacementEvent_Validate(t *testing.T) {
	valid := func() *PlacementEvent {
		return &PlacementEvent{EventID: uuid.New().String(), X: 1, Y: 2, Color: 0xFF0000, TS: 100}
	}

	t.Run("valid event", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("bad event id", func(t *testing.T) {
		e := valid()
		e.EventID = "nope"
		assert.ErrorContains(t, e.Validate(), "event_id")
	})

	t.Run("negative coordinate", func(t *testing.T) {
		e := valid()
		e.X = -1
		assert.ErrorContains(t, e.Validate(), "non-negative")
	})

	t.Run("color overflow", func(t *testing.T) {
		e := valid()
		e.Color = MaxColor + 1
		assert.ErrorContains(t, e.Validate(), "color out of range")
	})

	t.Run("missing ts", func(t *testing.T) {
		e := valid()
		e.TS = 0
		assert.ErrorContains(t, e.Validate(), "ts must be positive")
	})
}

func TestGrid_Contains(t *testing.T) {
	g := Grid{Width: 10, Height: 5}
	assert.True(t, g.Contains(0, 0))
	assert.True(t, g.Contains(9, 4))
	assert.False(t, g.Contains(-1, 0))
	assert.False(t, g.Contains(10, 0))
	assert.False(t, g.Contains(0, 5))
}

func TestParsePosition(t *testing.T) {
	p, err := ParsePosition("1700000000000-7")
	require.NoError(t, err)
	assert.Equal(t, Position{Millis: 1700000000000, Seq: 7}, p)
	assert.Equal(t, "1700000000000-7", p.String())

	for _, bad := range []string{"", "123", "a-1", "1-b", "-"} {
		_, err := ParsePosition(bad)
		assert.Error(t, err, bad)
	}
}

func TestPosition_Less(t *testing.T) {
	assert.True(t, Position{Millis: 9, Seq: 5}.Less(Position{Millis: 10, Seq: 0}))
	assert.True(t, Position{Millis: 10, Seq: 0}.Less(Position{Millis: 10, Seq: 1}))
	assert.False(t, Position{Millis: 10, Seq: 1}.Less(Position{Millis: 10, Seq: 1}))
}

func TestSupersedes(t *testing.T) {
	early := Position{Millis: 1, Seq: 0}
	late := Position{Millis: 2, Seq: 0}

	t.Run("later timestamp wins regardless of log order", func(t *testing.T) {
		assert.True(t, Supersedes(200, early, 100, late))
		assert.False(t, Supersedes(100, late, 200, early))
	})

	t.Run("equal timestamps fall back to log order", func(t *testing.T) {
		assert.True(t, Supersedes(100, late, 100, early))
		assert.False(t, Supersedes(100, early, 100, late))
	})

	t.Run("identical write does not supersede itself", func(t *testing.T) {
		assert.False(t, Supersedes(100, early, 100, early))
	})
}
