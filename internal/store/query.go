package store

import (
	"context"
	"fmt"
)

// QueryType is the intent of a query and decides the shape of its result.
type QueryType uint8

const (
	QueryExecute QueryType = iota
	QueryExists
	QueryOne
	QueryAll
)

func (t QueryType) String() string {
	switch t {
	case QueryExecute:
		return "execute"
	case QueryExists:
		return "exists"
	case QueryOne:
		return "query_one"
	case QueryAll:
		return "query_all"
	default:
		return fmt.Sprintf("query_type(%d)", uint8(t))
	}
}

// IntoRows adapts a backend's native result set into the row shapes.
type IntoRows interface {
	IntoRow() *Row
	IntoRows() Rows
	IntoNamedRows() NamedRows
}

// NamedRows is the materialized form most SQL drivers produce, so it
// doubles as the default IntoRows adapter.
var _ IntoRows = NamedRows{}

func (n NamedRows) IntoRow() *Row {
	if len(n.Rows) == 0 {
		return nil
	}
	row := n.Rows[0]
	return &row
}

func (n NamedRows) IntoRows() Rows { return Rows{Rows: n.Rows} }

func (n NamedRows) IntoNamedRows() NamedRows { return n }

// Querier is implemented by backends that accept SQL-like queries. Each
// intent has its own entry point.
type Querier interface {
	Execute(ctx context.Context, query string, params ...Value) (uint64, error)
	Exists(ctx context.Context, query string, params ...Value) (bool, error)
	QueryOne(ctx context.Context, query string, params ...Value) (*Row, error)
	QueryAll(ctx context.Context, query string, params ...Value) (IntoRows, error)
}

// QueryResult is the closed set of result shapes a query can produce:
// uint64 (Execute), bool (Exists), *Row (QueryOne), Rows and NamedRows
// (QueryAll).
type QueryResult interface {
	uint64 | bool | *Row | Rows | NamedRows
}

// QueryTypeOf maps a result shape to the query intent that produces it.
func QueryTypeOf[T QueryResult]() QueryType {
	var zero T
	switch any(zero).(type) {
	case uint64:
		return QueryExecute
	case bool:
		return QueryExists
	case *Row:
		return QueryOne
	case Rows, NamedRows:
		return QueryAll
	}
	panic(fmt.Sprintf("unsupported query result type %T", zero))
}

func wrongShape[T QueryResult](from QueryType) T {
	var zero T
	panic(fmt.Sprintf("query result %T cannot be built from a %s result", zero, from))
}

// FromExec builds an Execute-shaped result. It panics for any other T.
func FromExec[T QueryResult](affected uint64) T {
	var out T
	if p, ok := any(&out).(*uint64); ok {
		*p = affected
		return out
	}
	return wrongShape[T](QueryExecute)
}

// FromExists builds an Exists-shaped result. It panics for any other T.
func FromExists[T QueryResult](exists bool) T {
	var out T
	if p, ok := any(&out).(*bool); ok {
		*p = exists
		return out
	}
	return wrongShape[T](QueryExists)
}

// FromQueryOne builds a QueryOne-shaped result. It panics for any other T.
func FromQueryOne[T QueryResult](row *Row) T {
	var out T
	if p, ok := any(&out).(**Row); ok {
		*p = row
		return out
	}
	return wrongShape[T](QueryOne)
}

// FromQueryAll builds a QueryAll-shaped result. It panics for any other T.
func FromQueryAll[T QueryResult](items IntoRows) T {
	var out T
	switch p := any(&out).(type) {
	case *Rows:
		*p = items.IntoRows()
	case *NamedRows:
		*p = items.IntoNamedRows()
	default:
		return wrongShape[T](QueryAll)
	}
	return out
}

// Query runs query through q using the intent selected by T.
func Query[T QueryResult](ctx context.Context, q Querier, query string, params ...Value) (T, error) {
	var zero T
	switch QueryTypeOf[T]() {
	case QueryExecute:
		n, err := q.Execute(ctx, query, params...)
		if err != nil {
			return zero, err
		}
		return FromExec[T](n), nil
	case QueryExists:
		exists, err := q.Exists(ctx, query, params...)
		if err != nil {
			return zero, err
		}
		return FromExists[T](exists), nil
	case QueryOne:
		row, err := q.QueryOne(ctx, query, params...)
		if err != nil {
			return zero, err
		}
		return FromQueryOne[T](row), nil
	default:
		items, err := q.QueryAll(ctx, query, params...)
		if err != nil {
			return zero, err
		}
		return FromQueryAll[T](items), nil
	}
}
