package messaging

// AckType is the settlement a handler asks for
type AckType int

const (
	// Ack removes the delivery from the queue
	Ack AckType = iota
	// NackRequeue returns the delivery to the queue for another attempt
	NackRequeue
	// NackDiscard removes the delivery, dead-lettering it when the queue has
	// a dead letter exchange
	NackDiscard
)

func (a AckType) String() string {
	switch a {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDiscard:
		return "nack-discard"
	default:
		return "unknown"
	}
}
