package ot

// transform rebases incoming op a against already-applied op b, both
// authored at the same base revision. b has already been resolved against
// the content, so only a moves.
//
// Policy for DELETE vs INSERT: an insertion landing inside a concurrently
// deleted range is absorbed into the deletion (the delete grows to cover
// the inserted text). The reverse choice, keeping the insertion at the
// collapse point, would be equally consistent; this one favors delete
// intent and is applied uniformly.
func transform(a, b Operation) Operation {
	if a.Kind == KindRetain || IsNoop(b) || b.Kind == KindRetain {
		return a
	}

	// REPLACE decomposes to DELETE-then-INSERT on either side.
	if a.Kind == KindReplace {
		del := transform(Operation{Kind: KindDelete, Position: a.Position, Length: a.Length, ClientID: a.ClientID}, b)
		ins := transform(Operation{Kind: KindInsert, Position: a.Position, Text: a.Text, ClientID: a.ClientID}, b)
		a.Position = del.Position
		a.Length = del.Length
		if del.Length == 0 {
			a.Position = ins.Position
		}
		return a
	}
	if b.Kind == KindReplace {
		a = transform(a, Operation{Kind: KindDelete, Position: b.Position, Length: b.Length, ClientID: b.ClientID})
		return transform(a, Operation{Kind: KindInsert, Position: b.Position, Text: b.Text, ClientID: b.ClientID})
	}

	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		// Tie on position goes to the lexicographically lower client id:
		// its insert is treated as having landed first, so the other shifts.
		if b.Position < a.Position || (b.Position == a.Position && b.ClientID <= a.ClientID) {
			a.Position += b.TextLen()
		}

	case a.Kind == KindInsert && b.Kind == KindDelete:
		if b.Position < a.Position {
			shift := a.Position - b.Position
			if shift > b.Length {
				shift = b.Length
			}
			// An insert strictly inside the deleted range collapses to the
			// start of it; the content still lands there.
			a.Position -= shift
		}

	case a.Kind == KindDelete && b.Kind == KindInsert:
		if b.Position <= a.Position {
			a.Position += b.TextLen()
		} else if b.Position < a.Position+a.Length {
			// Insertion fell inside the range being deleted: widen the
			// delete so the inserted text goes with it.
			a.Length += b.TextLen()
		}

	case a.Kind == KindDelete && b.Kind == KindDelete:
		aEnd := a.Position + a.Length
		bEnd := b.Position + b.Length
		overlapStart := max(a.Position, b.Position)
		overlapEnd := min(aEnd, bEnd)
		if overlapEnd > overlapStart {
			a.Length -= overlapEnd - overlapStart
		}
		if b.Position < a.Position {
			shift := min(bEnd, a.Position) - b.Position
			a.Position -= shift
		}
	}
	return a
}

// Transform rebases a single incoming operation against one applied
// operation. Exposed for the convergence property; Rebase is the
// history-walking form the server uses.
func Transform(a, b Operation) Operation {
	return transform(a, b)
}

// Rebase transforms op across applied, in order. applied must hold exactly
// the operations accepted after op.BaseVersion, oldest first; each step
// assumes the previous operand was already fully resolved, so the walk is
// never reordered or batched.
func Rebase(op Operation, applied []Operation) Operation {
	for _, b := range applied {
		op = transform(op, b)
	}
	return op
}
