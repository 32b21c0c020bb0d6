package canvas

import (
	"fmt"
	"strconv"
)

// Serialization helpers for converting between PlacementEvent and Redis stream fields.
//
// Stream entries are flat string maps. Every field is written as a string so that
// entries stay readable with redis-cli and decode the same way regardless of client.

// EventToValues converts an event to XADD field values.
// user_id is only written when set.
func EventToValues(e *PlacementEvent) map[string]interface{} {
	values := map[string]interface{}{
		"event_id": e.EventID,
		"x":        strconv.Itoa(e.X),
		"y":        strconv.Itoa(e.Y),
		"color":    e.Color.String(),
		"ts":       strconv.FormatInt(e.TS, 10),
	}
	if e.UserID != "" {
		values["user_id"] = e.UserID
	}
	return values
}

// ValuesToEvent converts stream entry fields back into an event.
// Returns an error for any missing or malformed field; callers drop such entries.
func ValuesToEvent(values map[string]interface{}) (*PlacementEvent, error) {
	str := func(field string) (string, error) {
		raw, ok := values[field]
		if !ok {
			return "", fmt.Errorf("missing field %q", field)
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("field %q is %T, want string", field, raw)
		}
		return s, nil
	}

	eventID, err := str("event_id")
	if err != nil {
		return nil, err
	}

	xStr, err := str("x")
	if err != nil {
		return nil, err
	}
	x, err := strconv.Atoi(xStr)
	if err != nil {
		return nil, fmt.Errorf("invalid x field: %w", err)
	}

	yStr, err := str("y")
	if err != nil {
		return nil, err
	}
	y, err := strconv.Atoi(yStr)
	if err != nil {
		return nil, fmt.Errorf("invalid y field: %w", err)
	}

	colorStr, err := str("color")
	if err != nil {
		return nil, err
	}
	color, err := ParseColor(colorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid color field: %w", err)
	}

	tsStr, err := str("ts")
	if err != nil {
		return nil, err
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ts field: %w", err)
	}

	// user_id is optional
	userID, _ := values["user_id"].(string)

	event := &PlacementEvent{
		EventID: eventID,
		X:       x,
		Y:       y,
		Color:   color,
		TS:      ts,
		UserID:  userID,
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}
