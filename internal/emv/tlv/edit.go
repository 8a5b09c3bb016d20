package tlv

// Op selects the edit behavior.
type Op uint8

const (
	OpReplace Op = iota + 1
	OpRemove
	OpInsert
)

func (o Op) String() string {
	switch o {
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	case OpInsert:
		return "insert"
	default:
		return "unknown"
	}
}

// Edit is one ordered modification of a Set. Replace targets the first
// top-level occurrence and inserts when absent. Remove deletes the first
// occurrence when present. Insert places the node before the first node
// whose tag equals Before, or at the end when Before is zero or missing.
type Edit struct {
	Op     Op
	Tag    uint16
	Value  []byte
	Before uint16
}

// Plan is an ordered edit list: the result of edit i feeds edit i+1.
type Plan []Edit

func Replace(tag uint16, value []byte) Edit {
	return Edit{Op: OpReplace, Tag: tag, Value: value}
}

func Remove(tag uint16) Edit {
	return Edit{Op: OpRemove, Tag: tag}
}

func Insert(tag uint16, value []byte, before uint16) Edit {
	return Edit{Op: OpInsert, Tag: tag, Value: value, Before: before}
}

// Apply runs the plan in order against a copy of the set; the input set is
// not modified.
func Apply(set Set, plan Plan) Set {
	out := make(Set, len(set))
	copy(out, set)

	for _, edit := range plan {
		switch edit.Op {
		case OpReplace:
			out = applyReplace(out, edit)
		case OpRemove:
			out = applyRemove(out, edit)
		case OpInsert:
			out = applyInsert(out, edit)
		}
	}
	return out
}

func applyReplace(set Set, edit Edit) Set {
	for i := range set {
		if set[i].Tag == edit.Tag {
			set[i] = NewNode(edit.Tag, edit.Value)
			return set
		}
	}
	return append(set, NewNode(edit.Tag, edit.Value))
}

func applyRemove(set Set, edit Edit) Set {
	for i := range set {
		if set[i].Tag == edit.Tag {
			return append(set[:i:i], set[i+1:]...)
		}
	}
	return set
}

func applyInsert(set Set, edit Edit) Set {
	node := NewNode(edit.Tag, edit.Value)
	if edit.Before != 0 {
		for i := range set {
			if set[i].Tag == edit.Before {
				out := make(Set, 0, len(set)+1)
				out = append(out, set[:i]...)
				out = append(out, node)
				return append(out, set[i:]...)
			}
		}
	}
	return append(set, node)
}
