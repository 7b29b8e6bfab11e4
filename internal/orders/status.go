package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusCooking   Status = "cooking"
	StatusReady     Status = "ready"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every known status in forward order, cancelled last.
var Statuses = []Status{StatusPending, StatusCooking, StatusReady, StatusCompleted, StatusCancelled}

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusCooking: true, StatusCancelled: true},
	StatusCooking:   {StatusReady: true, StatusCancelled: true},
	StatusReady:     {StatusCompleted: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// ParseStatus decodes a stored status, failing with a Malformed error on unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", Malformed("order status", s)
	}
	return st, nil
}
