// What: parser.go is a recursive-descent parser with a precedence-climbing
// expression core, structured as a recursive-descent parser threading a
// token cursor through a family of parseX methods.
// How: Parse tokenizes the full statement up front, then parses exactly one
// statement terminated by EOF or ';'.
package sql

import (
	"strconv"
	"strings"

	"github.com/quoradb/quoradb/internal/errs"
)

type parser struct {
	toks []token
	pos  int
}

// Parse turns SQL text into a single Stmt.
func Parse(input string) (Stmt, error) {
	lx := newLexer(input)
	toks, err := lx.tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.parseStmt()
	if err != nil {
		return nil, err
	}
	p.skipSemicolon()
	if !p.at(tEOF) {
		return nil, p.errorf("unexpected trailing input %q", p.cur().val)
	}
	return stmt, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) at(t tokenType) bool { return p.cur().typ == t }

func (p *parser) atKeyword(kw string) bool {
	return p.cur().typ == tKeyword && p.cur().val == kw
}

func (p *parser) atSymbol(sym string) bool {
	return p.cur().typ == tSymbol && p.cur().val == sym
}

func (p *parser) advance() token {
	t := p.cur()
	if t.typ != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) expectKeyword(kw string) error {
	if !p.atKeyword(kw) {
		return p.errorf("expected %s, got %q", kw, p.cur().val)
	}
	p.advance()
	return nil
}

func (p *parser) expectSymbol(sym string) error {
	if !p.atSymbol(sym) {
		return p.errorf("expected %q, got %q", sym, p.cur().val)
	}
	p.advance()
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return errs.New(errs.Parse, format, args...)
}

func (p *parser) skipSemicolon() {
	if p.atSymbol(";") {
		p.advance()
	}
}

func (p *parser) parseStmt() (Stmt, error) {
	switch {
	case p.atKeyword("SELECT"):
		return p.parseSelect()
	case p.atKeyword("INSERT"):
		return p.parseInsert()
	case p.atKeyword("UPDATE"):
		return p.parseUpdate()
	case p.atKeyword("DELETE"):
		return p.parseDelete()
	case p.atKeyword("CREATE"):
		return p.parseCreateTable()
	case p.atKeyword("DROP"):
		return p.parseDropTable()
	case p.atKeyword("BEGIN"):
		p.advance()
		return &BeginStmt{}, nil
	case p.atKeyword("COMMIT"):
		p.advance()
		return &CommitStmt{}, nil
	case p.atKeyword("ROLLBACK"):
		p.advance()
		return &RollbackStmt{}, nil
	case p.atKeyword("EXPLAIN"):
		return p.parseExplain()
	default:
		return nil, p.errorf("unrecognized statement starting at %q", p.cur().val)
	}
}

// ---- EXPLAIN ----

func (p *parser) parseExplain() (*ExplainStmt, error) {
	if err := p.expectKeyword("EXPLAIN"); err != nil {
		return nil, err
	}
	inner, err := p.parseStmt()
	if err != nil {
		return nil, err
	}
	return &ExplainStmt{Stmt: inner}, nil
}

// ---- SELECT ----

func (p *parser) parseSelect() (*SelectStmt, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	stmt := &SelectStmt{}
	if p.atKeyword("DISTINCT") {
		stmt.Distinct = true
		p.advance()
	}
	items, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}
	stmt.Columns = items

	if p.atKeyword("FROM") {
		p.advance()
		from, err := p.parseTableExpr()
		if err != nil {
			return nil, err
		}
		stmt.From = from
	}
	if p.atKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	if p.atKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, e)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if p.atKeyword("HAVING") {
		p.advance()
		h, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Having = h
	}
	if p.atKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.atKeyword("DESC") {
				item.Desc = true
				p.advance()
			} else if p.atKeyword("ASC") {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, item)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if p.atKeyword("LIMIT") {
		p.advance()
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Limit = &n
	}
	if p.atKeyword("OFFSET") {
		p.advance()
		n, err := p.parseIntLiteral()
		if err != nil {
			return nil, err
		}
		stmt.Offset = &n
	}
	return stmt, nil
}

func (p *parser) parseIntLiteral() (int64, error) {
	if !p.at(tNumber) {
		return 0, p.errorf("expected integer, got %q", p.cur().val)
	}
	tok := p.advance()
	n, err := strconv.ParseInt(tok.val, 10, 64)
	if err != nil {
		return 0, p.errorf("invalid integer %q", tok.val)
	}
	return n, nil
}

func (p *parser) parseSelectList() ([]SelectItem, error) {
	var items []SelectItem
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return items, nil
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	if p.atSymbol("*") {
		p.advance()
		return SelectItem{Star: true}, nil
	}
	// Lookahead for "ident.*"
	if p.at(tIdent) && p.toks[p.pos+1].typ == tSymbol && p.toks[p.pos+1].val == "." &&
		p.toks[p.pos+2].typ == tSymbol && p.toks[p.pos+2].val == "*" {
		name := p.advance().val
		p.advance() // .
		p.advance() // *
		return SelectItem{Star: true, StarQualifier: name}, nil
	}
	e, err := p.parseExpr(0)
	if err != nil {
		return SelectItem{}, err
	}
	item := SelectItem{Expr: e}
	if p.atKeyword("AS") {
		p.advance()
		item.Alias = p.advance().val
	} else if p.at(tIdent) {
		item.Alias = p.advance().val
	}
	return item, nil
}

// ---- FROM / JOIN ----

func (p *parser) parseTableExpr() (TableExpr, error) {
	left, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	for {
		jt := JoinInner
		switch {
		case p.atKeyword("JOIN"):
			p.advance()
		case p.atKeyword("INNER"):
			p.advance()
			if err := p.expectKeyword("JOIN"); err != nil {
				return nil, err
			}
		case p.atKeyword("LEFT"):
			p.advance()
			if p.atKeyword("OUTER") {
				p.advance()
			}
			if err := p.expectKeyword("JOIN"); err != nil {
				return nil, err
			}
			jt = JoinLeft
		case p.atKeyword("RIGHT"):
			p.advance()
			if p.atKeyword("OUTER") {
				p.advance()
			}
			if err := p.expectKeyword("JOIN"); err != nil {
				return nil, err
			}
			jt = JoinRight
		default:
			return left, nil
		}
		right, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		var on Expr
		if p.atKeyword("ON") {
			p.advance()
			on, err = p.parseExpr(0)
			if err != nil {
				return nil, err
			}
		}
		left = &JoinExpr{Left: left, Right: right, Type: jt, On: on}
	}
}

func (p *parser) parseTableRef() (TableExpr, error) {
	if !p.at(tIdent) {
		return nil, p.errorf("expected table name, got %q", p.cur().val)
	}
	name := p.advance().val
	ref := &TableRef{Name: name}
	if p.atKeyword("AS") {
		p.advance()
		ref.Alias = p.advance().val
	} else if p.at(tIdent) {
		ref.Alias = p.advance().val
	}
	return ref, nil
}

// ---- INSERT / UPDATE / DELETE ----

func (p *parser) parseInsert() (*InsertStmt, error) {
	if err := p.expectKeyword("INSERT"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	if !p.at(tIdent) {
		return nil, p.errorf("expected table name")
	}
	stmt := &InsertStmt{Table: p.advance().val}
	if p.atSymbol("(") {
		p.advance()
		for {
			if !p.at(tIdent) {
				return nil, p.errorf("expected column name")
			}
			stmt.Columns = append(stmt.Columns, p.advance().val)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row []Expr
		for {
			e, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			row = append(row, e)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		stmt.Rows = append(stmt.Rows, row)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return stmt, nil
}

func (p *parser) parseUpdate() (*UpdateStmt, error) {
	if err := p.expectKeyword("UPDATE"); err != nil {
		return nil, err
	}
	if !p.at(tIdent) {
		return nil, p.errorf("expected table name")
	}
	stmt := &UpdateStmt{Table: p.advance().val}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	for {
		if !p.at(tIdent) {
			return nil, p.errorf("expected column name")
		}
		col := p.advance().val
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Sets = append(stmt.Sets, Assignment{Column: col, Value: val})
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if p.atKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

func (p *parser) parseDelete() (*DeleteStmt, error) {
	if err := p.expectKeyword("DELETE"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	if !p.at(tIdent) {
		return nil, p.errorf("expected table name")
	}
	stmt := &DeleteStmt{Table: p.advance().val}
	if p.atKeyword("WHERE") {
		p.advance()
		w, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		stmt.Where = w
	}
	return stmt, nil
}

// ---- CREATE / DROP TABLE ----

func (p *parser) parseCreateTable() (*CreateTableStmt, error) {
	if err := p.expectKeyword("CREATE"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	stmt := &CreateTableStmt{}
	if p.at(tIdent) && strings.EqualFold(p.cur().val, "IF") {
		p.advance()
		if err := p.expectKeyword("NOT"); err != nil {
			return nil, err
		}
		if !p.at(tIdent) || !strings.EqualFold(p.cur().val, "EXISTS") {
			return nil, p.errorf("expected EXISTS")
		}
		p.advance()
		stmt.IfNotExists = true
	}
	if !p.at(tIdent) {
		return nil, p.errorf("expected table name")
	}
	stmt.Name = p.advance().val
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	for {
		if p.atKeyword("PRIMARY") {
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			cols, err := p.parseColumnList()
			if err != nil {
				return nil, err
			}
			stmt.PrimaryKey = cols
		} else if p.atKeyword("FOREIGN") {
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return nil, err
			}
			cols, err := p.parseColumnList()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("REFERENCES"); err != nil {
				return nil, err
			}
			if !p.at(tIdent) {
				return nil, p.errorf("expected referenced table name")
			}
			refTable := p.advance().val
			refCols, err := p.parseColumnList()
			if err != nil {
				return nil, err
			}
			stmt.ForeignKeys = append(stmt.ForeignKeys, ForeignKeyDef{Columns: cols, RefTable: refTable, RefColumns: refCols})
		} else if p.atKeyword("UNIQUE") {
			p.advance()
			cols, err := p.parseColumnList()
			if err != nil {
				return nil, err
			}
			stmt.Unique = append(stmt.Unique, cols)
		} else {
			col, err := p.parseColumnDef()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
		}
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseColumnList() ([]string, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var cols []string
	for {
		if !p.at(tIdent) {
			return nil, p.errorf("expected column name")
		}
		cols = append(cols, p.advance().val)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return cols, nil
}

func (p *parser) parseColumnDef() (ColumnDef, error) {
	if !p.at(tIdent) {
		return ColumnDef{}, p.errorf("expected column name, got %q", p.cur().val)
	}
	col := ColumnDef{Name: p.advance().val}
	kind, err := p.parseTypeName()
	if err != nil {
		return ColumnDef{}, err
	}
	col.Kind = kind
	for {
		switch {
		case p.atKeyword("NOT"):
			p.advance()
			if err := p.expectKeyword("NULL"); err != nil {
				return ColumnDef{}, err
			}
			col.NotNull = true
		case p.atKeyword("DEFAULT"):
			p.advance()
			e, err := p.parseExpr(6) // additive and above; defaults are simple literals
			if err != nil {
				return ColumnDef{}, err
			}
			lit, ok := e.(*LiteralExpr)
			if !ok {
				return ColumnDef{}, p.errorf("DEFAULT must be a constant")
			}
			v := lit.Value
			col.Default = &v
		default:
			return col, nil
		}
	}
}

func (p *parser) parseTypeName() (Kind, error) {
	if !p.at(tKeyword) {
		return 0, p.errorf("expected a type name, got %q", p.cur().val)
	}
	kw := p.advance().val
	switch kw {
	case "BOOLEAN":
		return KindBoolean, nil
	case "INTEGER", "INT":
		return KindInteger, nil
	case "FLOAT", "DOUBLE":
		return KindFloat, nil
	case "STRING", "TEXT":
		return KindString, nil
	default:
		return 0, p.errorf("unsupported type %q", kw)
	}
}

func (p *parser) parseDropTable() (*DropTableStmt, error) {
	if err := p.expectKeyword("DROP"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	stmt := &DropTableStmt{}
	if p.at(tIdent) && strings.EqualFold(p.cur().val, "IF") {
		p.advance()
		if !p.at(tIdent) || !strings.EqualFold(p.cur().val, "EXISTS") {
			return nil, p.errorf("expected EXISTS")
		}
		p.advance()
		stmt.IfExists = true
	}
	if !p.at(tIdent) {
		return nil, p.errorf("expected table name")
	}
	stmt.Name = p.advance().val
	return stmt, nil
}

// ---- Expressions: precedence-climbing ----
//
// Binding power table (low to high): OR(1) < AND(2) < NOT(3, prefix) <
// comparison(4) < LIKE/IS/IN(5) < +,-(6) < *,/,%(7) < ^(8, right-assoc) <
// unary +/-(9) < primary. No postfix operator is parsed; there is no
// factorial.

func binOpPrecedence(op string) (int, bool) {
	switch op {
	case "OR":
		return 1, true
	case "AND":
		return 2, true
	case "=", "!=", "<", "<=", ">", ">=":
		return 4, true
	case "LIKE":
		return 5, true
	case "+", "-":
		return 6, true
	case "*", "/", "%":
		return 7, true
	case "^":
		return 8, true
	default:
		return 0, false
	}
}

func (p *parser) parseExpr(minPrec int) (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		left, err = p.parsePostfixModifiers(left, minPrec)
		if err != nil {
			return nil, err
		}
		op, ok := p.peekBinOp()
		if !ok {
			return left, nil
		}
		prec, _ := binOpPrecedence(op)
		if prec < minPrec {
			return left, nil
		}
		p.consumeBinOp(op)
		nextMin := prec + 1
		if op == "^" {
			nextMin = prec // right-associative
		}
		right, err := p.parseExpr(nextMin)
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
}

// parsePostfixModifiers handles IS [NOT] NULL and [NOT] IN (...), which sit
// at LIKE's precedence tier but have their own grammar shapes.
func (p *parser) parsePostfixModifiers(left Expr, minPrec int) (Expr, error) {
	if 5 < minPrec {
		return left, nil
	}
	for {
		switch {
		case p.atKeyword("IS"):
			p.advance()
			not := false
			if p.atKeyword("NOT") {
				not = true
				p.advance()
			}
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			left = &IsNullExpr{X: left, Not: not}
		case p.atKeyword("NOT") && p.toks[p.pos+1].typ == tKeyword && p.toks[p.pos+1].val == "IN":
			p.advance()
			p.advance()
			list, err := p.parseInList()
			if err != nil {
				return nil, err
			}
			left = &InExpr{X: left, List: list, Not: true}
		case p.atKeyword("IN"):
			p.advance()
			list, err := p.parseInList()
			if err != nil {
				return nil, err
			}
			left = &InExpr{X: left, List: list}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseInList() ([]Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var list []Expr
	for {
		e, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) peekBinOp() (string, bool) {
	t := p.cur()
	if t.typ == tKeyword && (t.val == "AND" || t.val == "OR" || t.val == "LIKE") {
		return t.val, true
	}
	if t.typ == tSymbol {
		switch t.val {
		case "+", "-", "*", "/", "%", "^", "=", "!=", "<", "<=", ">", ">=":
			return t.val, true
		}
	}
	return "", false
}

func (p *parser) consumeBinOp(op string) { p.advance() }

func (p *parser) parseUnary() (Expr, error) {
	if p.atKeyword("NOT") {
		p.advance()
		x, err := p.parseExpr(3)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", X: x}, nil
	}
	if p.atSymbol("-") || p.atSymbol("+") {
		op := p.advance().val
		x, err := p.parseExpr(9)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: op, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	switch {
	case p.at(tNumber):
		tok := p.advance()
		if strings.Contains(tok.val, ".") {
			f, err := strconv.ParseFloat(tok.val, 64)
			if err != nil {
				return nil, p.errorf("invalid float %q", tok.val)
			}
			return &LiteralExpr{Value: FloatValue(f)}, nil
		}
		n, err := strconv.ParseInt(tok.val, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid integer %q", tok.val)
		}
		return &LiteralExpr{Value: IntValue(n)}, nil
	case p.at(tString):
		return &LiteralExpr{Value: StringValue(p.advance().val)}, nil
	case p.atKeyword("TRUE"):
		p.advance()
		return &LiteralExpr{Value: BoolValue(true)}, nil
	case p.atKeyword("FALSE"):
		p.advance()
		return &LiteralExpr{Value: BoolValue(false)}, nil
	case p.atKeyword("NULL"):
		p.advance()
		return &LiteralExpr{Value: NullValue()}, nil
	case p.atSymbol("("):
		p.advance()
		e, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	case p.isAggregateKeyword():
		return p.parseFuncCall(p.advance().val)
	case p.at(tIdent):
		name := p.advance().val
		if p.atSymbol("(") {
			return p.parseFuncCall(name)
		}
		if p.atSymbol(".") {
			p.advance()
			if !p.at(tIdent) {
				return nil, p.errorf("expected column name after %q.", name)
			}
			col := p.advance().val
			return &ColumnExpr{Qualifier: name, Name: col}, nil
		}
		return &ColumnExpr{Name: name}, nil
	default:
		return nil, p.errorf("unexpected token %q in expression", p.cur().val)
	}
}

func (p *parser) isAggregateKeyword() bool {
	if p.cur().typ != tKeyword {
		return false
	}
	switch p.cur().val {
	case "COUNT", "SUM", "AVG", "MIN", "MAX":
		return true
	default:
		return false
	}
}

func (p *parser) parseFuncCall(name string) (Expr, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	call := &FuncCallExpr{Name: name}
	if p.atSymbol("*") {
		p.advance()
		call.Star = true
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
	if p.atKeyword("DISTINCT") {
		call.Distinct = true
		p.advance()
	}
	if p.atSymbol(")") {
		p.advance()
		return call, nil
	}
	for {
		e, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, e)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return call, nil
}
