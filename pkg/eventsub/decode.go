package eventsub

import (
	"encoding/json"
	"fmt"
)

// decodeDelivery parses the JSON payload produced by the ack/invalidation
// table triggers (see ackstore.ddlForDeployment) into a Delivery. The
// trigger payload is one flat column map (TG_OP plus NEW/OLD columns
// flattened): it becomes Post for INSERT and UPDATE, and Pre for DELETE,
// where Post is left nil.
func decodeDelivery(eventName, payload string) (Delivery, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Delivery{}, fmt.Errorf("eventsub: decode payload: %w", err)
	}

	op, _ := raw["op"].(string)
	kind, ok := kindFromOp(op)
	if !ok {
		return Delivery{}, fmt.Errorf("eventsub: payload has unrecognized op %q", op)
	}

	delete(raw, "op")

	d := Delivery{Kind: kind, EventName: eventName}
	if kind == EventDelete {
		d.Pre = raw
	} else {
		d.Post = raw
	}
	return d, nil
}

func kindFromOp(op string) (EventKind, bool) {
	switch op {
	case "INSERT":
		return EventInsert, true
	case "UPDATE":
		return EventUpdate, true
	case "DELETE":
		return EventDelete, true
	default:
		return 0, false
	}
}
