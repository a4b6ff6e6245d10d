package ledger

import "github.com/coachpo/execguard/internal/domain/schema"

// NEW may jump straight to PARTIAL or FILLED because broker events are delivered at least once and
// possibly out of order; a fill can overtake its acknowledgement.
var allowedTransitions = map[schema.OrderState]map[schema.OrderState]struct{}{
	schema.OrderStateNew: {
		schema.OrderStateSubmitted: {},
		schema.OrderStatePartial:   {},
		schema.OrderStateFilled:    {},
		schema.OrderStateCanceled:  {},
		schema.OrderStateRejected:  {},
	},
	schema.OrderStateSubmitted: {
		schema.OrderStatePartial:  {},
		schema.OrderStateFilled:   {},
		schema.OrderStateCanceled: {},
		schema.OrderStateRejected: {},
	},
	schema.OrderStatePartial: {
		schema.OrderStatePartial:  {},
		schema.OrderStateFilled:   {},
		schema.OrderStateCanceled: {},
	},
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to schema.OrderState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func targetState(eventType schema.BrokerEventType) (schema.OrderState, bool) {
	switch eventType {
	case schema.BrokerEventSubmitted:
		return schema.OrderStateSubmitted, true
	case schema.BrokerEventPartial:
		return schema.OrderStatePartial, true
	case schema.BrokerEventFilled:
		return schema.OrderStateFilled, true
	case schema.BrokerEventCanceled:
		return schema.OrderStateCanceled, true
	case schema.BrokerEventRejected:
		return schema.OrderStateRejected, true
	default:
		return "", false
	}
}
