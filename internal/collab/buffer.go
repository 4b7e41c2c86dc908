package collab

import (
	"fmt"
	"strings"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/ot"
)

// Buffer is the live document text. Offsets are rune offsets.
type Buffer interface {
	Len() int
	String() string
	Insert(pos int, text string) error
	Delete(pos, length int) error
	Replace(pos, length int, text string) error
}

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable keeps the hydrated snapshot in an immutable original buffer
// and appends all inserted text to an add buffer; pieces describe the live
// document as spans over the two.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// locate maps a logical position to a piece index and an offset inside it.
func (pt *PieceTable) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

func (pt *PieceTable) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	if pos < 0 || pos > pt.Len() {
		return fmt.Errorf("%w: insert at %d, buffer length %d", ot.ErrOutOfRange, pos, pt.Len())
	}
	r := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	inserted := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, inserted)
		return nil
	}

	cur := pt.pieces[idx]
	next := make([]piece, 0, len(pt.pieces)+2)
	next = append(next, pt.pieces[:idx]...)
	if offset > 0 {
		next = append(next, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	next = append(next, inserted)
	if cur.length-offset > 0 {
		next = append(next, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	}
	next = append(next, pt.pieces[idx+1:]...)
	pt.pieces = next
	return nil
}

func (pt *PieceTable) Delete(pos, length int) error {
	if length == 0 {
		return nil
	}
	if pos < 0 || length < 0 || pos+length > pt.Len() {
		return fmt.Errorf("%w: delete [%d,%d), buffer length %d", ot.ErrOutOfRange, pos, pos+length, pt.Len())
	}
	remain := length
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// Whole piece goes; idx now points at the next one.
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			offset = 0
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take
			next := make([]piece, 0, len(pt.pieces)+1)
			next = append(next, pt.pieces[:idx]...)
			if leftLen > 0 {
				next = append(next, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				next = append(next, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			next = append(next, pt.pieces[idx+1:]...)
			if leftLen > 0 {
				idx++
			}
			pt.pieces = next
			offset = 0
		}
		remain -= take
	}
	return nil
}

func (pt *PieceTable) Replace(pos, length int, text string) error {
	if pos < 0 || length < 0 || pos+length > pt.Len() {
		return fmt.Errorf("%w: replace [%d,%d), buffer length %d", ot.ErrOutOfRange, pos, pos+length, pt.Len())
	}
	if err := pt.Delete(pos, length); err != nil {
		return err
	}
	return pt.Insert(pos, text)
}
