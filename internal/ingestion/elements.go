package ingestion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quasarhq/quasar/internal/domain"
)

// ParseElements decodes the $elements payload attached to autocaptured
// events. Elements arrive as a JSON array of loose maps; keys prefixed
// attr__ carry the raw DOM attributes. Malformed entries are skipped.
func ParseElements(raw any) []domain.Element {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	elements := make([]domain.Element, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			continue
		}
		el := domain.Element{Order: i}
		el.TagName, _ = fields["tag_name"].(string)
		el.Text, _ = fields["$el_text"].(string)
		if el.Text == "" {
			el.Text, _ = fields["text"].(string)
		}
		el.NthChild = asInt(fields["nth_child"])
		el.NthOfType = asInt(fields["nth_of_type"])
		for key, value := range fields {
			attr, ok := strings.CutPrefix(key, "attr__")
			if !ok {
				continue
			}
			str := fmt.Sprintf("%v", value)
			switch attr {
			case "class":
				el.AttrClass = strings.Fields(str)
			case "id":
				el.AttrID = str
			case "href":
				el.Href = str
			default:
				if el.Attributes == nil {
					el.Attributes = map[string]string{}
				}
				el.Attributes[attr] = str
			}
		}
		if el.TagName == "" && len(el.Attributes) == 0 && el.Text == "" {
			continue
		}
		elements = append(elements, el)
	}
	return elements
}

// ElementsChain serializes a chain into its single-line selector form, one
// segment per element, innermost first.
func ElementsChain(elements []domain.Element) string {
	segments := make([]string, 0, len(elements))
	for _, el := range elements {
		var b strings.Builder
		tag := el.TagName
		if tag == "" {
			tag = "*"
		}
		b.WriteString(tag)
		classes := append([]string(nil), el.AttrClass...)
		sort.Strings(classes)
		for _, class := range classes {
			b.WriteByte('.')
			b.WriteString(class)
		}
		if el.Text != "" {
			fmt.Fprintf(&b, `:text="%s"`, escapeChainValue(el.Text))
		}
		if el.AttrID != "" {
			fmt.Fprintf(&b, `attr_id="%s"`, escapeChainValue(el.AttrID))
		}
		if el.Href != "" {
			fmt.Fprintf(&b, `href="%s"`, escapeChainValue(el.Href))
		}
		fmt.Fprintf(&b, `nth-child="%d"nth-of-type="%d"`, el.NthChild, el.NthOfType)
		keys := make([]string, 0, len(el.Attributes))
		for k := range el.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, `attr__%s="%s"`, k, escapeChainValue(el.Attributes[k]))
		}
		segments = append(segments, b.String())
	}
	return strings.Join(segments, ";")
}

func escapeChainValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
