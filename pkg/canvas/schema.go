package canvas

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so several
// canvases can share one Redis server.
//
// Key pattern: canvas:{instance_name}:{entity}
// Channel pattern: canvas:{instance_name}:live

// EventsStreamKey returns the key of the durable event stream.
// Pattern: canvas:{instance_name}:events
func EventsStreamKey(instanceName string) string {
	return fmt.Sprintf("canvas:%s:events", instanceName)
}

// LiveChannel returns the Pub/Sub channel used for live placement notifications.
// Pattern: canvas:{instance_name}:live
func LiveChannel(instanceName string) string {
	return fmt.Sprintf("canvas:%s:live", instanceName)
}

// CooldownKey returns the key of the short-lived per-cell placement cooldown token.
// Pattern: canvas:{instance_name}:cooldown:{x}:{y}
func CooldownKey(instanceName string, x, y int) string {
	return fmt.Sprintf("canvas:%s:cooldown:%d:%d", instanceName, x, y)
}
