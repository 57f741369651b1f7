// Package server contains shared HTTP plumbing: route tables over goji
// patterns and the typed single-value JSON payloads the instrument endpoints
// exchange.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
	"sort"

	"goji.io"
)

// RouteTable maps URL patterns to their handlers.
type RouteTable map[goji.Pattern]http.Handler

// Bind attaches every route in the table to the mux.
func (rt RouteTable) Bind(mux *goji.Mux) {
	for p, h := range rt {
		mux.Handle(p, h)
	}
}

// Endpoints lists the patterns in the table, sorted for stable output.
func (rt RouteTable) Endpoints() []string {
	out := make([]string, 0, len(rt))
	for p := range rt {
		out = append(out, fmt.Sprint(p))
	}
	sort.Strings(out)
	return out
}

// HTTPer is an object exposing a route table.
type HTTPer interface {
	RT() RouteTable
}

// FloatT is a wrapper around a single float64 for JSON IO.
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a wrapper around a single int for JSON IO.
type IntT struct {
	Int int `json:"int"`
}

// StrT is a wrapper around a single string for JSON IO.
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a wrapper around a single bool for JSON IO.
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a single typed value headed for a response body.  T selects
// which field is live.
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Int    int
	String string
	Bool   bool
}

// EncodeAndRespond writes the payload as its JSON wrapper type.
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	switch hp.T {
	case types.Float64:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.String:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
