package queue

import (
	"math"
	"sort"

	"github.com/google/uuid"
)

// Renumbering is a planned queue_number change for one entry.
type Renumbering struct {
	Entry *Entry
	From  int
	To    int
}

// less orders entries by priority rank, then arrival.
func less(a, b *Entry) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Ordered returns the WAITING and CALLED entries of one exam in dispatch order.
func Ordered(entries []*Entry) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if e.Status.Numbered() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// PlanRenumber assigns 1..N over the numbered entries and returns only the
// entries whose number changes. Entries are not modified.
func PlanRenumber(entries []*Entry) []Renumbering {
	var plan []Renumbering
	for i, e := range Ordered(entries) {
		if want := i + 1; e.QueueNumber != want {
			plan = append(plan, Renumbering{Entry: e, From: e.QueueNumber, To: want})
		}
	}
	return plan
}

// EstimateWaits computes the expected wait of every WAITING entry. The
// running estimate starts at zero and each entry adds its own service time,
// scaled by its priority weight, to the wait of the entries behind it.
// Non-waiting entries are estimated at zero.
func EstimateWaits(entries []*Entry, serviceMinutes int) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(entries))
	var running float64
	for _, e := range Ordered(entries) {
		if e.Status != StatusWaiting {
			continue
		}
		out[e.ID] = int(math.Round(running))
		running += float64(serviceMinutes) * e.Priority.Weight()
	}
	for _, e := range entries {
		if _, ok := out[e.ID]; !ok {
			out[e.ID] = 0
		}
	}
	return out
}

// nextNumber is one past the highest number held by a numbered entry.
func nextNumber(entries []*Entry) int {
	max := 0
	for _, e := range entries {
		if e.Status.Numbered() && e.QueueNumber > max {
			max = e.QueueNumber
		}
	}
	return max + 1
}
