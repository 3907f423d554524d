package contracts

// Verdict is a handler's decision about a delivery. The zero value is not a
// valid verdict; consumers treat anything but Acknowledge as RejectAndRequeue.
type Verdict int

const (
	// Acknowledge removes the delivery from the queue
	Acknowledge Verdict = iota + 1
	// RejectAndRequeue returns the delivery to its queue for redelivery
	RejectAndRequeue
)

func (v Verdict) String() string {
	switch v {
	case Acknowledge:
		return "acknowledge"
	case RejectAndRequeue:
		return "reject-and-requeue"
	default:
		return "unknown"
	}
}
