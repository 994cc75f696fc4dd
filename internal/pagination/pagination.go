// Package pagination implements keyset pagination over whitelisted columns
// with opaque, self-describing cursors.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

func ParseDirection(raw string) (Direction, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "ASC":
		return Asc, true
	case "DESC":
		return Desc, true
	default:
		return "", false
	}
}

type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
)

type Order struct {
	Field string
	Dir   Direction
}

// Request is what a caller asks for. Cursor, when set, carries its own order
// and takes precedence over Order.
type Request struct {
	Order  Order
	Limit  int
	Cursor string
}

// Position is the decoded form of a cursor: the order field value and id of
// the last row of the previous page.
type Position struct {
	Field string    `json:"f"`
	Dir   Direction `json:"d"`
	Value string    `json:"v"`
	ID    string    `json:"i"`
}

func Encode(pos Position) string {
	data, _ := json.Marshal(pos)
	return base64.RawURLEncoding.EncodeToString(data)
}

func Decode(token string) (Position, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Position{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if pos.Field == "" || pos.ID == "" {
		return Position{}, fmt.Errorf("%w: incomplete position", ErrInvalidCursor)
	}
	return pos, nil
}

type Page[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

// Engine describes one paginated listing: which columns may be ordered on,
// the tiebreak column and the page size bounds.
type Engine struct {
	Fields       map[string]FieldKind
	IDField      string
	IDKind       FieldKind
	DefaultOrder Order
	DefaultLimit int
	MaxLimit     int
}

// Query is a validated Request ready to be rendered as SQL.
type Query struct {
	Order Order
	Limit int
	After *Position

	idField string
	idKind  FieldKind
	kind    FieldKind
	token   string
}

func (e Engine) Normalize(req Request) (Query, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = e.DefaultLimit
	}
	if limit <= 0 {
		limit = 100
	}
	if e.MaxLimit > 0 && limit > e.MaxLimit {
		limit = e.MaxLimit
	}

	order := req.Order
	var after *Position
	if strings.TrimSpace(req.Cursor) != "" {
		pos, err := Decode(req.Cursor)
		if err != nil {
			return Query{}, err
		}
		order = Order{Field: pos.Field, Dir: pos.Dir}
		after = &pos
	}
	if order.Field == "" {
		order.Field = e.DefaultOrder.Field
	}
	if order.Dir == "" {
		order.Dir = e.DefaultOrder.Dir
	}
	if order.Dir == "" {
		order.Dir = Asc
	}
	if order.Dir != Asc && order.Dir != Desc {
		return Query{}, fmt.Errorf("%w: direction %q", ErrInvalidCursor, order.Dir)
	}

	kind, ok := e.kindOf(order.Field)
	if !ok {
		if after != nil {
			return Query{}, fmt.Errorf("%w: field %q", ErrInvalidCursor, order.Field)
		}
		return Query{}, fmt.Errorf("unsupported order field %q", order.Field)
	}
	if after != nil {
		if err := checkKind(kind, after.Value); err != nil {
			return Query{}, err
		}
		if err := checkKind(e.IDKind, after.ID); err != nil {
			return Query{}, err
		}
	}
	return Query{
		Order:   order,
		Limit:   limit,
		After:   after,
		idField: e.IDField,
		idKind:  e.IDKind,
		kind:    kind,
		token:   strings.TrimSpace(req.Cursor),
	}, nil
}

func (e Engine) kindOf(field string) (FieldKind, bool) {
	if field == e.IDField {
		return e.IDKind, true
	}
	kind, ok := e.Fields[field]
	return kind, ok
}

func checkKind(kind FieldKind, value string) error {
	if kind != KindInt {
		return nil
	}
	if _, err := strconv.ParseInt(value, 10, 64); err != nil {
		return fmt.Errorf("%w: expected integer, got %q", ErrInvalidCursor, value)
	}
	return nil
}

func arg(kind FieldKind, value string) any {
	if kind == KindInt {
		n, _ := strconv.ParseInt(value, 10, 64)
		return n
	}
	return value
}

// Where renders the keyset predicate for rows after q.After using ?
// placeholders. It returns an empty clause when there is no cursor.
func (q Query) Where() (string, []any) {
	if q.After == nil {
		return "", nil
	}
	cmp := ">"
	if q.Order.Dir == Desc {
		cmp = "<"
	}
	if q.Order.Field == q.idField {
		return fmt.Sprintf("%s %s ?", q.idField, cmp), []any{arg(q.idKind, q.After.ID)}
	}
	clause := fmt.Sprintf("(%s %s ? OR (%s = ? AND %s > ?))", q.Order.Field, cmp, q.Order.Field, q.idField)
	value := arg(q.kind, q.After.Value)
	return clause, []any{value, value, arg(q.idKind, q.After.ID)}
}

func (q Query) OrderBy() string {
	if q.Order.Field == q.idField {
		return fmt.Sprintf("%s %s", q.idField, q.Order.Dir)
	}
	return fmt.Sprintf("%s %s, %s ASC", q.Order.Field, q.Order.Dir, q.idField)
}

// FetchLimit is one more than the page size so HasMore can be decided
// without a second query.
func (q Query) FetchLimit() int {
	return q.Limit + 1
}

// Slice trims rows fetched with FetchLimit into a page. When the page is
// empty the incoming cursor is handed back so the caller can poll from the
// same position.
func Slice[T any](q Query, rows []T, position func(T) (value, id string)) Page[T] {
	page := Page[T]{Items: rows, Cursor: q.token}
	if len(rows) > q.Limit {
		page.Items = rows[:q.Limit]
		page.HasMore = true
	}
	if page.Items == nil {
		page.Items = []T{}
	}
	if n := len(page.Items); n > 0 {
		value, id := position(page.Items[n-1])
		page.Cursor = Encode(Position{Field: q.Order.Field, Dir: q.Order.Dir, Value: value, ID: id})
	}
	return page
}
