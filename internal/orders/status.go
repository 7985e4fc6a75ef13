package orders

type Status string

const (
	StatusPlaced          Status = "PLACED"
	StatusPendingPayment  Status = "PENDING_PAYMENT"
	StatusPaid            Status = "PAID"
	StatusProcessing      Status = "PROCESSING"
	StatusShipped         Status = "SHIPPED"
	StatusInTransit       Status = "IN_TRANSIT"
	StatusDelivered       Status = "DELIVERED"
	StatusCancelled       Status = "CANCELLED"
	StatusCancelledSystem Status = "CANCELLED_SYSTEM"
	StatusRefunded        Status = "REFUNDED"
)

var validNext = map[Status][]Status{
	StatusPlaced:          {StatusPendingPayment, StatusCancelled, StatusCancelledSystem},
	StatusPendingPayment:  {StatusPaid, StatusCancelled, StatusCancelledSystem},
	StatusPaid:            {StatusProcessing, StatusCancelled, StatusCancelledSystem},
	StatusProcessing:      {StatusShipped, StatusCancelled, StatusCancelledSystem},
	StatusShipped:         {StatusInTransit, StatusCancelled, StatusCancelledSystem},
	StatusInTransit:       {StatusDelivered, StatusCancelled, StatusCancelledSystem},
	StatusDelivered:       {},
	StatusCancelled:       {StatusRefunded},
	StatusCancelledSystem: {StatusRefunded},
	StatusRefunded:        {},
}

func CanTransition(from, to Status) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition can leave the status.
func IsTerminal(s Status) bool {
	return len(validNext[s]) == 0
}

// Cancellable reports whether an explicit cancel request is still legal.
// Everything before DELIVERED qualifies; terminal states and states already
// cancelled reject.
func Cancellable(s Status) bool {
	switch s {
	case StatusPlaced, StatusPendingPayment, StatusPaid, StatusProcessing, StatusShipped, StatusInTransit:
		return true
	}
	return false
}
