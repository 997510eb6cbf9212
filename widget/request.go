package widget

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/xid"
)

// ErrMalformed is returned when a request body cannot be turned into a Request.
var ErrMalformed = errors.New("malformed widget request")

// Type selects the sink operation a request maps to.
type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// Valid reports whether t is one of the known request types.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return true
	}
	return false
}

// Attribute is a free-form name/value pair carried in otherAttributes.
type Attribute struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Request is one widget mutation as published by a producer.
//
// Optional fields are pointers so that an absent field can be told apart from
// an empty string; sinks only touch the fields that are present.
type Request struct {
	Type            Type        `json:"type"`
	RequestID       string      `json:"requestId,omitempty"`
	WidgetID        string      `json:"widgetId"`
	Owner           *string     `json:"owner,omitempty"`
	Label           *string     `json:"label,omitempty"`
	Description     *string     `json:"description,omitempty"`
	OtherAttributes []Attribute `json:"otherAttributes,omitempty"`
}

// Decode parses a UTF-8 JSON body into a Request.
func Decode(body []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.WidgetID == "" {
		return Request{}, fmt.Errorf("%w: widgetId is required", ErrMalformed)
	}
	return r, nil
}

// CorrelationID returns the producer supplied request id, or a freshly
// generated one when the producer left it out. The request is not modified.
func (r Request) CorrelationID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return "gen-" + xid.New().String()
}

// String returns a pointer to s. Handy when building requests in code.
func String(s string) *string { return &s }
