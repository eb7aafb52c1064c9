package inference

import (
	"fmt"

	"github.com/wippyai/nnbridge/bufview"
)

// DefaultVersion is the format version assumed before metadata is loaded.
const DefaultVersion = 8

// Slot is one of the four pre-agreed output regions.
type Slot int

const (
	SlotValue Slot = iota
	SlotMisc
	SlotOwnership
	SlotPolicy
	numSlots
)

var slotNames = [numSlots]string{"value", "miscvalues", "ownership", "policy"}

var slotOutputs = map[string]Slot{
	OutputValue:     SlotValue,
	OutputMisc:      SlotMisc,
	OutputOwnership: SlotOwnership,
	OutputPolicy:    SlotPolicy,
}

func (s Slot) String() string {
	if s >= 0 && s < numSlots {
		return slotNames[s]
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// AuxCount returns the auxiliary value count per row for a format version.
func AuxCount(version int) int {
	if version == 8 {
		return 10
	}
	return 6
}

// Layout gives the expected element count of every output slot for one
// predict call.
type Layout struct {
	Sizes [numSlots]int
}

// NewLayout computes the expected sizes for a batch of boards.
func NewLayout(version, boardCells, batch int) Layout {
	return Layout{Sizes: [numSlots]int{
		SlotValue:     3 * batch,
		SlotMisc:      AuxCount(version) * batch,
		SlotOwnership: boardCells * batch,
		SlotPolicy:    2 * (boardCells + 1) * batch,
	}}
}

// Ambiguous returns pairs of slots whose expected sizes coincide.
func (l Layout) Ambiguous() [][2]Slot {
	var out [][2]Slot
	for i := Slot(0); i < numSlots; i++ {
		for j := i + 1; j < numSlots; j++ {
			if l.Sizes[i] == l.Sizes[j] {
				out = append(out, [2]Slot{i, j})
			}
		}
	}
	return out
}

// Classify assigns result tensors to slots. A named tensor goes to the slot
// its name identifies. Any other tensor takes the first free slot, in value,
// miscvalues, ownership, policy order, whose size matches. The returned index
// is -1 for a slot nothing was assigned to; dropped holds unassigned tensors.
func (l Layout) Classify(results []Tensor) (assigned [numSlots]int, dropped []int) {
	for i := range assigned {
		assigned[i] = -1
	}

	pending := make([]int, 0, len(results))
	for i, t := range results {
		if nt, ok := t.(NamedTensor); ok {
			if s, ok := slotOutputs[nt.Name()]; ok {
				if assigned[s] < 0 && t.Size() == l.Sizes[s] {
					assigned[s] = i
				} else {
					dropped = append(dropped, i)
				}
				continue
			}
		}
		pending = append(pending, i)
	}

	for _, i := range pending {
		size := results[i].Size()
		placed := false
		for s := Slot(0); s < numSlots; s++ {
			if assigned[s] < 0 && l.Sizes[s] == size {
				assigned[s] = i
				placed = true
				break
			}
		}
		if !placed {
			dropped = append(dropped, i)
		}
	}
	return assigned, dropped
}

// Regions returns the output regions for the given slot offsets.
func (l Layout) Regions(offsets [4]uint32) [numSlots]bufview.Region {
	var out [numSlots]bufview.Region
	for s := Slot(0); s < numSlots; s++ {
		out[s] = bufview.Region{Offset: offsets[s], Count: uint32(l.Sizes[s]), Type: bufview.Float32}
	}
	return out
}
