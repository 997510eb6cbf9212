package sink

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/baldanca/widget-consumer/widget"
)

// Reserved item attribute names. otherAttributes entries may still use them;
// see Flatten.
const (
	FieldID          = "id"
	FieldOwner       = "owner"
	FieldLabel       = "label"
	FieldDescription = "description"
)

// Item is a flat table record.
type Item map[string]any

// Flatten folds a request into a table record: id, owner, and label and
// description when present, followed by every otherAttributes pair in input
// order. Later pairs overwrite earlier ones, including the reserved fields.
// requestId and type are never copied.
func Flatten(req widget.Request) Item {
	item := baseItem(req)
	for _, a := range req.OtherAttributes {
		item[a.Name] = a.Value
	}
	return item
}

// FlattenStrict is Flatten but rejects any attribute name that repeats or
// shadows a field already in the record.
func FlattenStrict(req widget.Request) (Item, error) {
	item := baseItem(req)
	for i, a := range req.OtherAttributes {
		if _, dup := item[a.Name]; dup || a.Name == FieldID {
			return nil, fmt.Errorf("%w: otherAttributes[%d] name=%q", ErrAttributeCollision, i, a.Name)
		}
		item[a.Name] = a.Value
	}
	return item, nil
}

func baseItem(req widget.Request) Item {
	item := make(Item, 4+len(req.OtherAttributes))
	item[FieldID] = req.WidgetID
	if req.Owner != nil {
		item[FieldOwner] = *req.Owner
	}
	if req.Label != nil {
		item[FieldLabel] = *req.Label
	}
	if req.Description != nil {
		item[FieldDescription] = *req.Description
	}
	return item
}

// Update is a partial, field-level update of one record.
type Update struct {
	Expression string
	Names      map[string]string
	Values     map[string]any
}

// Empty reports whether the update would change nothing.
func (u Update) Empty() bool { return len(u.Values) == 0 }

// BuildUpdate builds a SET expression covering exactly the fields present in
// req. Fixed fields use #<field>/:<field> placeholders; the i-th
// otherAttributes entry uses #attr<i>/:val<i>.
func BuildUpdate(req widget.Request) Update {
	u := Update{
		Names:  make(map[string]string),
		Values: make(map[string]any),
	}
	clauses := make([]string, 0, 3+len(req.OtherAttributes))

	set := func(namePH, valuePH, name string, value any) {
		clauses = append(clauses, namePH+" = "+valuePH)
		u.Names[namePH] = name
		u.Values[valuePH] = value
	}

	for _, f := range [...]struct {
		name  string
		value *string
	}{
		{FieldOwner, req.Owner},
		{FieldLabel, req.Label},
		{FieldDescription, req.Description},
	} {
		if f.value != nil {
			set("#"+f.name, ":"+f.name, f.name, *f.value)
		}
	}
	for i, a := range req.OtherAttributes {
		n := strconv.Itoa(i)
		set("#attr"+n, ":val"+n, a.Name, a.Value)
	}

	if len(clauses) > 0 {
		u.Expression = "SET " + strings.Join(clauses, ", ")
	}
	return u
}

// checkUpdateNames rejects updates that would write the key attribute or the
// same attribute twice.
func checkUpdateNames(u Update) error {
	seen := make(map[string]string, len(u.Names))
	for ph, name := range u.Names {
		if name == FieldID {
			return fmt.Errorf("%w: %s targets key attribute %q", ErrAttributeCollision, ph, name)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s and %s both target %q", ErrAttributeCollision, prev, ph, name)
		}
		seen[name] = ph
	}
	return nil
}
