package metacache

import "fmt"

// Partition is the key range [Start, End) of a tablet. An empty End is unbounded.
type Partition struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (p Partition) Contains(key string) bool {
	return key >= p.Start && (p.End == "" || key < p.End)
}

func (p Partition) Overlaps(o Partition) bool {
	return (o.End == "" || p.Start < o.End) && (p.End == "" || o.Start < p.End)
}

func (p Partition) String() string {
	return fmt.Sprintf("[%q, %q)", p.Start, p.End)
}
