package condition

import (
	"encoding/json"
	"sort"

	"github.com/hatlonely/fieldflow/rdb"
)

type Conjunction string

const (
	And Conjunction = "and"
	Or  Conjunction = "or"
)

// Node 过滤条件树的节点，*Filter 或 *Item
type Node interface {
	node()
}

// Filter 一组条件，Items 之间按 Conjunction 组合
type Filter struct {
	Conjunction Conjunction `json:"conjunction"`
	Items       []Node      `json:"filterSet"`
}

// Item 单个字段上的条件
type Item struct {
	FieldID  string   `json:"fieldId"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

func (*Filter) node() {}
func (*Item) node()   {}

// ParseFilter 解析 JSON 过滤条件，空输入和 null 返回 nil
func ParseFilter(data []byte) (*Filter, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var filter Filter
	if err := json.Unmarshal(data, &filter); err != nil {
		return nil, rdb.NewValidationError("invalid filter: %v", err)
	}
	return &filter, nil
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Conjunction Conjunction       `json:"conjunction"`
		FilterSet   []json.RawMessage `json:"filterSet"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Conjunction = raw.Conjunction
	f.Items = make([]Node, 0, len(raw.FilterSet))
	for _, item := range raw.FilterSet {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(item, &probe); err != nil {
			return err
		}
		if _, ok := probe["filterSet"]; ok {
			var nested Filter
			if err := json.Unmarshal(item, &nested); err != nil {
				return err
			}
			f.Items = append(f.Items, &nested)
			continue
		}
		var it Item
		if err := json.Unmarshal(item, &it); err != nil {
			return err
		}
		f.Items = append(f.Items, &it)
	}
	return nil
}

// FieldIDs 条件中引用的字段，去重排序
func (f *Filter) FieldIDs() []string {
	if f == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var walk func(filter *Filter)
	walk = func(filter *Filter) {
		for _, n := range filter.Items {
			switch x := n.(type) {
			case *Filter:
				walk(x)
			case *Item:
				seen[x.FieldID] = struct{}{}
			}
		}
	}
	walk(f)

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
