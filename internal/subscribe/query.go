// Package subscribe implements the subscription & delta distributor
// (spec C6): parsing the §6.2 SQL subset, materializing the row set a
// client's query set matches, and diffing each committed change set
// against every connection's subscriptions to produce per-client
// insert/delete deltas.
package subscribe

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/clockworklabs/SpacetimeDB-sub014/internal/engineerr"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/identity"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/satn"
	"github.com/clockworklabs/SpacetimeDB-sub014/internal/store"
)

// Query is one parsed `SELECT * FROM t [WHERE pred]` (spec §6.2). A nil
// Pred means "every row in the table matches".
type Query struct {
	Text    string
	TableID uint32
	Table   string
	Pred    *store.Predicate
}

// ParseQuery parses src against the column names and types of db's
// current schema, resolving the table by name and each predicate
// literal's builtin kind from the column it's compared against — the
// grammar has no type annotations of its own (spec §6.2: "Predicates
// must be decidable on a single row"). caller is checked against the
// resolved table's visibility (spec §3): subscribing to a private table
// without being the database owner fails with NotSubscribed.
func ParseQuery(db *store.Database, caller identity.Identity, src string) (*Query, error) {
	p := &parser{db: db}
	p.s.Init(strings.NewReader(src))
	p.s.Mode = scanner.ScanIdents | scanner.ScanInts | scanner.ScanFloats | scanner.ScanStrings | scanner.ScanChars
	p.s.Error = func(*scanner.Scanner, string) {} // surfaced via Eof/expect checks instead of stderr
	p.advance()

	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	if err := p.expectRune('*'); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	tableName, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	tbl, ok := db.TableByName(tableName)
	if !ok {
		return nil, fmt.Errorf("subscribe: unknown table %q", tableName)
	}
	if !db.CanSubscribe(caller, tbl) {
		return nil, engineerr.New(engineerr.NotSubscribed, fmt.Sprintf("query on private table %q without permission", tableName))
	}

	var pred *store.Predicate
	if p.peekKeyword("WHERE") {
		p.advance()
		pred, err = p.parseOr(tbl)
		if err != nil {
			return nil, err
		}
	}
	if p.tok != scanner.EOF {
		return nil, fmt.Errorf("subscribe: unexpected trailing input near %q", p.text())
	}
	return &Query{Text: src, TableID: tbl.ID, Table: tbl.Name, Pred: pred}, nil
}

type parser struct {
	db  *store.Database
	s   scanner.Scanner
	tok rune
}

func (p *parser) advance() { p.tok = p.s.Scan() }

func (p *parser) text() string { return p.s.TokenText() }

func (p *parser) expectRune(r rune) error {
	if p.tok != r {
		return fmt.Errorf("subscribe: expected %q, got %q", string(r), p.text())
	}
	p.advance()
	return nil
}

func (p *parser) expectKeyword(kw string) error {
	if p.tok != scanner.Ident || !strings.EqualFold(p.text(), kw) {
		return fmt.Errorf("subscribe: expected %q, got %q", kw, p.text())
	}
	p.advance()
	return nil
}

func (p *parser) peekKeyword(kw string) bool {
	return p.tok == scanner.Ident && strings.EqualFold(p.text(), kw)
}

func (p *parser) expectIdent() (string, error) {
	if p.tok != scanner.Ident {
		return "", fmt.Errorf("subscribe: expected identifier, got %q", p.text())
	}
	name := p.text()
	p.advance()
	return name, nil
}

// parseOr handles the lowest-precedence `OR`, delegating to parseAnd.
func (p *parser) parseOr(tbl *store.Table) (*store.Predicate, error) {
	left, err := p.parseAnd(tbl)
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("OR") {
		p.advance()
		right, err := p.parseAnd(tbl)
		if err != nil {
			return nil, err
		}
		left = store.Or(left, right)
	}
	return left, nil
}

func (p *parser) parseAnd(tbl *store.Table) (*store.Predicate, error) {
	left, err := p.parseUnary(tbl)
	if err != nil {
		return nil, err
	}
	for p.peekKeyword("AND") {
		p.advance()
		right, err := p.parseUnary(tbl)
		if err != nil {
			return nil, err
		}
		left = store.And(left, right)
	}
	return left, nil
}

func (p *parser) parseUnary(tbl *store.Table) (*store.Predicate, error) {
	if p.peekKeyword("NOT") {
		p.advance()
		inner, err := p.parseUnary(tbl)
		if err != nil {
			return nil, err
		}
		return store.Not(inner), nil
	}
	return p.parsePrimary(tbl)
}

func (p *parser) parsePrimary(tbl *store.Table) (*store.Predicate, error) {
	if p.tok == '(' {
		p.advance()
		inner, err := p.parseOr(tbl)
		if err != nil {
			return nil, err
		}
		if err := p.expectRune(')'); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parseComparison(tbl)
}

func (p *parser) parseComparison(tbl *store.Table) (*store.Predicate, error) {
	colName, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	col, ok := columnIndex(tbl, colName)
	if !ok {
		return nil, fmt.Errorf("subscribe: table %q has no column %q", tbl.Name, colName)
	}
	op, err := p.parseOp()
	if err != nil {
		return nil, err
	}
	kind, err := columnBuiltinKind(p.db, tbl, col)
	if err != nil {
		return nil, err
	}
	lit, err := p.parseLiteral(kind)
	if err != nil {
		return nil, err
	}
	return store.ColPredicate(col, op, lit), nil
}

func (p *parser) parseOp() (store.CompareOp, error) {
	switch p.tok {
	case '=':
		p.advance()
		return store.OpEq, nil
	case '<':
		p.advance()
		if p.tok == '=' {
			p.advance()
			return store.OpLe, nil
		}
		return store.OpLt, nil
	case '>':
		p.advance()
		if p.tok == '=' {
			p.advance()
			return store.OpGe, nil
		}
		return store.OpGt, nil
	case '!':
		p.advance()
		if err := p.expectRune('='); err != nil {
			return 0, fmt.Errorf("subscribe: expected \"!=\"")
		}
		return store.OpNe, nil
	default:
		return 0, fmt.Errorf("subscribe: expected a comparison operator, got %q", p.text())
	}
}

func (p *parser) parseLiteral(kind satn.BuiltinKind) (satn.Value, error) {
	switch p.tok {
	case scanner.String:
		s, err := strconv.Unquote(p.text())
		if err != nil {
			s = strings.Trim(p.text(), `"`)
		}
		p.advance()
		return satn.StringValue(s), nil
	case scanner.Char:
		s := strings.Trim(p.text(), `'`)
		p.advance()
		return satn.StringValue(s), nil
	case scanner.Ident:
		switch strings.ToLower(p.text()) {
		case "true":
			p.advance()
			return satn.BoolValue(true), nil
		case "false":
			p.advance()
			return satn.BoolValue(false), nil
		}
		return satn.Value{}, fmt.Errorf("subscribe: unexpected literal %q", p.text())
	case '-', scanner.Int, scanner.Float:
		return p.parseNumericLiteral(kind)
	default:
		return satn.Value{}, fmt.Errorf("subscribe: expected a literal, got %q", p.text())
	}
}

func (p *parser) parseNumericLiteral(kind satn.BuiltinKind) (satn.Value, error) {
	neg := false
	if p.tok == '-' {
		neg = true
		p.advance()
	}
	text := p.text()
	isFloat := p.tok == scanner.Float
	p.advance()

	if isFloat || kind == satn.BuiltinF32 || kind == satn.BuiltinF64 {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return satn.Value{}, fmt.Errorf("subscribe: invalid numeric literal %q: %w", text, err)
		}
		if neg {
			f = -f
		}
		if kind == satn.BuiltinF32 {
			return satn.F32Value(float32(f)), nil
		}
		return satn.F64Value(f), nil
	}

	switch kind {
	case satn.BuiltinU8, satn.BuiltinU16, satn.BuiltinU32, satn.BuiltinU64:
		if neg {
			return satn.Value{}, fmt.Errorf("subscribe: negative literal for unsigned column")
		}
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return satn.Value{}, fmt.Errorf("subscribe: invalid literal %q: %w", text, err)
		}
		return satn.U64Value(kind, v), nil
	default:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return satn.Value{}, fmt.Errorf("subscribe: invalid literal %q: %w", text, err)
		}
		if neg {
			v = -v
		}
		return satn.I64Value(kind, v), nil
	}
}

func columnIndex(tbl *store.Table, name string) (uint32, bool) {
	for i, c := range tbl.Columns {
		if c.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

func columnBuiltinKind(db *store.Database, tbl *store.Table, col uint32) (satn.BuiltinKind, error) {
	resolved, err := db.Typespace.Resolve(tbl.RowType)
	if err != nil {
		return 0, err
	}
	if resolved.Kind != satn.KindProduct || int(col) >= len(resolved.Elements) {
		return 0, fmt.Errorf("subscribe: column %d out of range for table %q", col, tbl.Name)
	}
	elemType, err := db.Typespace.Resolve(resolved.Elements[col].Type)
	if err != nil {
		return 0, err
	}
	if elemType.Kind != satn.KindBuiltin {
		return 0, fmt.Errorf("subscribe: column %d of table %q is not a builtin type", col, tbl.Name)
	}
	return elemType.Builtin, nil
}
