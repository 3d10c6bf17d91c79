package store

import (
	"encoding/binary"
	"fmt"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
)

// EncodeFilter renders a Predicate tree as a small self-describing byte
// string — the format `_iter_start_filtered` expects for its filter
// argument (spec §6.3). Literal operands are always builtins under the
// §6.2 grammar ("<col> <op> <literal>"), so each leaf carries its own
// BuiltinKind tag and needs no Typespace to decode.
func EncodeFilter(p *Predicate) ([]byte, error) {
	var buf []byte
	if err := encodeFilterNode(&buf, p); err != nil {
		return nil, err
	}
	return buf, nil
}

func encodeFilterNode(buf *[]byte, p *Predicate) error {
	*buf = append(*buf, byte(p.Kind))
	switch p.Kind {
	case PredColOp:
		var colBuf [4]byte
		binary.LittleEndian.PutUint32(colBuf[:], p.Col)
		*buf = append(*buf, colBuf[:]...)
		*buf = append(*buf, byte(p.Op))
		if p.Literal.Kind != satn.ValueBuiltin {
			return fmt.Errorf("store: filter literal must be a builtin value")
		}
		lt := satn.Builtin(p.Literal.Builtin.Kind)
		encoded, err := satn.Encode(nil, lt, p.Literal)
		if err != nil {
			return fmt.Errorf("store: encode filter literal: %w", err)
		}
		*buf = append(*buf, byte(p.Literal.Builtin.Kind))
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
		*buf = append(*buf, lenBuf[:]...)
		*buf = append(*buf, encoded...)
		return nil
	case PredAnd, PredOr:
		if err := encodeFilterNode(buf, p.Left); err != nil {
			return err
		}
		return encodeFilterNode(buf, p.Right)
	case PredNot:
		return encodeFilterNode(buf, p.Left)
	default:
		return fmt.Errorf("store: unknown predicate kind %d", p.Kind)
	}
}

// DecodeFilter parses the byte string produced by EncodeFilter back into
// a Predicate tree. A malformed filter is reported as BadRequest by the
// caller (the ABI layer), not here.
func DecodeFilter(b []byte) (*Predicate, error) {
	d := &filterDecoder{buf: b}
	p, err := d.node()
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("store: %d trailing bytes in filter", len(d.buf)-d.pos)
	}
	return p, nil
}

type filterDecoder struct {
	buf []byte
	pos int
}

func (d *filterDecoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return fmt.Errorf("store: filter truncated at offset %d", d.pos)
	}
	return nil
}

func (d *filterDecoder) u8() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *filterDecoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *filterDecoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *filterDecoder) node() (*Predicate, error) {
	kind, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch PredKind(kind) {
	case PredColOp:
		col, err := d.u32()
		if err != nil {
			return nil, err
		}
		op, err := d.u8()
		if err != nil {
			return nil, err
		}
		bk, err := d.u8()
		if err != nil {
			return nil, err
		}
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(int(n))
		if err != nil {
			return nil, err
		}
		lt := satn.Builtin(satn.BuiltinKind(bk))
		literal, err := satn.Decode(nil, lt, raw)
		if err != nil {
			return nil, fmt.Errorf("store: decode filter literal: %w", err)
		}
		return &Predicate{Kind: PredColOp, Col: col, Op: CompareOp(op), Literal: literal}, nil
	case PredAnd, PredOr:
		left, err := d.node()
		if err != nil {
			return nil, err
		}
		right, err := d.node()
		if err != nil {
			return nil, err
		}
		return &Predicate{Kind: PredKind(kind), Left: left, Right: right}, nil
	case PredNot:
		left, err := d.node()
		if err != nil {
			return nil, err
		}
		return &Predicate{Kind: PredNot, Left: left}, nil
	default:
		return nil, fmt.Errorf("store: unknown predicate kind %d", kind)
	}
}
