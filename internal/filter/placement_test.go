package filter

import (
	"testing"

	"github.com/dyluth/canvas/pkg/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegion(t *testing.T) {
	tests := []struct {
		in      string
		want    Region
		wantErr bool
	}{
		{in: "0,0:9,9", want: Region{0, 0, 9, 9}},
		{in: "9,2:1,7", want: Region{1, 2, 9, 7}},
		{in: "4, 5", want: Region{4, 5, 4, 5}},
		{in: "1,2:3", wantErr: true},
		{in: "a,b", wantErr: true},
		{in: "1,2:3,4:5,6", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRegion(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestCriteria_Matches(t *testing.T) {
	e := &canvas.PlacementEvent{X: 5, Y: 5, UserID: "alice"}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no filters", Criteria{}, true},
		{"user match", Criteria{UserID: "alice"}, true},
		{"user mismatch", Criteria{UserID: "bob"}, false},
		{"inside region", Criteria{Region: &Region{0, 0, 5, 5}}, true},
		{"outside region", Criteria{Region: &Region{6, 0, 9, 9}}, false},
		{"both must match", Criteria{UserID: "alice", Region: &Region{6, 6, 9, 9}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(e))
			assert.Equal(t, tt.name != "no filters", tt.criteria.HasFilters())
		})
	}
}

func TestCriteria_Records(t *testing.T) {
	records := []canvas.HistoryRecord{
		{ID: 1, PlacementEvent: canvas.PlacementEvent{X: 1, Y: 1, UserID: "alice"}},
		{ID: 2, PlacementEvent: canvas.PlacementEvent{X: 2, Y: 2, UserID: "bob"}},
		{ID: 3, PlacementEvent: canvas.PlacementEvent{X: 3, Y: 3, UserID: "alice"}},
	}

	c := Criteria{UserID: "alice"}
	got := c.Records(records)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(3), got[1].ID)
	assert.Len(t, records, 3)
}

func TestCriteria_Events(t *testing.T) {
	in := make(chan *canvas.PlacementEvent, 3)
	in <- &canvas.PlacementEvent{X: 0, Y: 0}
	in <- &canvas.PlacementEvent{X: 8, Y: 8}
	in <- &canvas.PlacementEvent{X: 1, Y: 0}
	close(in)

	c := Criteria{Region: &Region{0, 0, 1, 1}}
	var got []*canvas.PlacementEvent
	for e := range c.Events(in) {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[1].X)
}
