package clip

import "fmt"

// Batches is an even, order-preserving partition of clip windows into
// model batches. Group sizes differ by at most one, with the larger
// groups first, so a trailing remainder never produces a tiny batch.
type Batches struct {
	// Groups holds the windows of each batch, in video order.
	Groups [][]Window

	// Capacity is the row count every batch is padded up to before it
	// is handed to the model: the size of the largest group.
	Capacity int
}

// PartitionWindows splits windows into ceil(n/batchSize) groups of
// near-equal size. A batch never exceeds batchSize.
func PartitionWindows(windows []Window, batchSize int) (*Batches, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(windows) == 0 {
		return nil, ErrNoWindows
	}

	n := len(windows)
	count := (n + batchSize - 1) / batchSize
	base := n / count
	extra := n % count

	groups := make([][]Window, count)
	next := 0
	for i := range groups {
		size := base
		if i < extra {
			size++
		}
		groups[i] = windows[next : next+size]
		next += size
	}

	capacity := base
	if extra > 0 {
		capacity = base + 1
	}

	return &Batches{Groups: groups, Capacity: capacity}, nil
}

// Count returns the number of batches.
func (b *Batches) Count() int { return len(b.Groups) }

// Size returns the number of real (non-padding) windows in batch i.
func (b *Batches) Size(i int) int { return len(b.Groups[i]) }

// LastValid returns the true row count of the final batch. Under the
// even split only trailing batches can fall short of Capacity, so this
// is the smallest batch size in the partition.
func (b *Batches) LastValid() int { return len(b.Groups[len(b.Groups)-1]) }

// TotalClips returns the number of windows across all batches.
func (b *Batches) TotalClips() int {
	total := 0
	for _, g := range b.Groups {
		total += len(g)
	}
	return total
}

// Padded returns batch i brought up to Capacity rows. Padding rows are
// all-zero windows, so they load the first frame at every timestep and
// are stripped again on reassembly.
func (b *Batches) Padded(i int) []Window {
	g := b.Groups[i]
	if len(g) == b.Capacity {
		return g
	}

	out := make([]Window, b.Capacity)
	copy(out, g)
	width := len(g[0])
	for j := len(g); j < b.Capacity; j++ {
		out[j] = make(Window, width)
	}
	return out
}
