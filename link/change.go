package link

import (
	"encoding/json"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
)

type ChangeType string

const (
	ChangeNone    ChangeType = "none"
	ChangeAdd     ChangeType = "add"
	ChangeRemove  ChangeType = "remove"
	ChangeReplace ChangeType = "replace"
	ChangeReorder ChangeType = "reorder"
)

// Change 关联字段取值的变化
type Change struct {
	Type     ChangeType
	Added    []string
	Removed  []string
	Current  []string
	Previous []string
}

func (c *Change) Kind() ChangeType {
	if c == nil {
		return ChangeNone
	}
	return c.Type
}

// AffectsMembership 关联记录集合是否变化
func (c *Change) AffectsMembership() bool {
	switch c.Kind() {
	case ChangeAdd, ChangeRemove, ChangeReplace:
		return true
	}
	return false
}

// RefreshTargets 过滤需要刷新的依赖字段，只调整顺序时只刷新与顺序相关的 lookup 和 rollup
func (c *Change) RefreshTargets(dependents []*field.Field) []*field.Field {
	switch c.Kind() {
	case ChangeNone:
		return nil
	case ChangeReorder:
		var result []*field.Field
		for _, f := range dependents {
			if OrderSensitive(f) {
				result = append(result, f)
			}
		}
		return result
	}
	return dependents
}

var orderedRollups = map[string]struct{}{
	"array_join":    {},
	"concatenate":   {},
	"array_compact": {},
	"array_unique":  {},
}

// OrderSensitive 字段取值是否依赖关联记录的顺序
func OrderSensitive(f *field.Field) bool {
	switch f.Kind() {
	case field.KindLookup, field.KindConditionalLookup:
		return true
	case field.KindRollup, field.KindConditionalRollup:
		o, ok := f.RollupOptions()
		if !ok {
			return false
		}
		_, ok = orderedRollups[field.RollupFunction(o.Expression)]
		return ok
	}
	return false
}

// CollectChange 比较已有关联与新的原始值，没有变化时返回 nil
func CollectChange(f *field.Field, existingIDs []string, newRaw any) (*Change, error) {
	current, err := ParseIDs(newRaw)
	if err != nil {
		return nil, rdb.NewValidationError("link field [%s]: %v", f.ID, err)
	}
	if o, ok := f.LinkOptions(); ok && !o.Relationship.IsMultiple() && len(current) > 1 {
		return nil, rdb.NewValidationError("link field [%s] with relationship %s accepts one record, got %d", f.ID, o.Relationship, len(current))
	}
	previous := dedupe(existingIDs)

	prevSet := toSet(previous)
	currSet := toSet(current)
	var added, removed []string
	for _, id := range current {
		if _, ok := prevSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range previous {
		if _, ok := currSet[id]; !ok {
			removed = append(removed, id)
		}
	}

	change := &Change{Added: added, Removed: removed, Current: current, Previous: previous}
	switch {
	case len(added) > 0 && len(removed) > 0:
		change.Type = ChangeReplace
	case len(added) > 0:
		change.Type = ChangeAdd
	case len(removed) > 0:
		change.Type = ChangeRemove
	case !sameOrder(previous, current):
		change.Type = ChangeReorder
	default:
		return nil, nil
	}
	return change, nil
}

// ParseIDs 解析关联字段的原始值
// 支持 nil、记录 id、{"id": ...}、以及它们组成的数组
func ParseIDs(raw any) ([]string, error) {
	var ids []string
	var parse func(v any, nested bool) error
	parse = func(v any, nested bool) error {
		switch x := v.(type) {
		case nil:
		case string:
			if x != "" {
				ids = append(ids, x)
			}
		case map[string]any:
			id, ok := x["id"].(string)
			if !ok || id == "" {
				return errInvalidValue(v)
			}
			ids = append(ids, id)
		case []string:
			for _, id := range x {
				if err := parse(id, true); err != nil {
					return err
				}
			}
		case []map[string]any:
			for _, item := range x {
				if err := parse(item, true); err != nil {
					return err
				}
			}
		case []any:
			if nested {
				return errInvalidValue(v)
			}
			for _, item := range x {
				if err := parse(item, true); err != nil {
					return err
				}
			}
		case json.RawMessage:
			var decoded any
			if err := json.Unmarshal(x, &decoded); err != nil {
				return errInvalidValue(string(x))
			}
			return parse(decoded, nested)
		default:
			return errInvalidValue(v)
		}
		return nil
	}
	if err := parse(raw, false); err != nil {
		return nil, err
	}
	return dedupe(ids), nil
}

type invalidValueError struct {
	value any
}

func (e *invalidValueError) Error() string {
	b, _ := json.Marshal(e.value)
	return "invalid link value " + string(b)
}

func errInvalidValue(v any) error {
	return &invalidValueError{value: v}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
