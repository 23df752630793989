package chat

// Status is a recipient's delivery state for one message. It only ever
// moves forward along sent -> delivered -> read; the zero value means no
// state has been observed for that recipient yet.
type Status int

const (
	StatusUnknown   Status = 0
	StatusSent      Status = 1
	StatusDelivered Status = 2
	StatusRead      Status = 3
)

var statusNames = map[Status]string{
	StatusUnknown:   "unknown",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a wire label to a Status. Unrecognized labels map to
// StatusUnknown rather than erroring, so a newer server cannot wedge an
// older client.
func ParseStatus(label string) Status {
	switch label {
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	}
	return StatusUnknown
}

// MergeStatusMaps merges two per-recipient status snapshots, keeping the
// highest status seen for every user id. A user present on only one side
// keeps that side's value outright. The result is a fresh map; inputs are
// never mutated. Merge is commutative and idempotent, so the locally
// displayed status cannot regress regardless of the order in which the
// history fetch and the tail feed deliver their snapshots.
func MergeStatusMaps(a, b map[string]Status) map[string]Status {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	merged := make(map[string]Status, len(a)+len(b))
	for uid, s := range a {
		merged[uid] = s
	}
	for uid, s := range b {
		if s > merged[uid] {
			merged[uid] = s
		}
	}
	return merged
}
