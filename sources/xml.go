package sources

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Attribute eines Elements stehen unter "$", gemischter Text unter "_".
const (
	xmlAttrKey = "$"
	xmlTextKey = "_"
)

type xmlElement struct {
	name     string
	attrs    []xml.Attr
	children []*xmlElement
	text     strings.Builder
}

// decodeXML liest ein Dokument. Hat das Wurzelelement ausschließlich gleichnamige
// Kinder und keine Attribute, ist jedes Kind eine Payload, sonst die Wurzel selbst.
func decodeXML(ctx context.Context, r io.Reader) ([]json.RawMessage, error) {
	root, err := parseXML(ctx, r)
	if err != nil {
		return nil, err
	}

	records := []*xmlElement{root}
	if len(root.attrs) == 0 && len(root.children) > 0 && sameName(root.children) {
		records = root.children
	}

	out := make([]json.RawMessage, 0, len(records))
	for _, el := range records {
		v := el.value()
		if _, isObject := v.(map[string]any); !isObject {
			v = map[string]any{el.name: v}
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func parseXML(ctx context.Context, r io.Reader) (*xmlElement, error) {
	dec := xml.NewDecoder(r)
	var (
		root  *xmlElement
		stack []*xmlElement
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &xmlElement{name: t.Name.Local, attrs: t.Attr}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			} else if root != nil {
				return nil, errors.New("decode xml: more than one root element")
			} else {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return nil, errors.New("decode xml: no root element")
	}
	return root, nil
}

func sameName(els []*xmlElement) bool {
	for _, el := range els[1:] {
		if el.name != els[0].name {
			return false
		}
	}
	return true
}

// value liefert Text für reine Textelemente, sonst ein Objekt. Mehrfach
// vorkommende Kindelemente werden zu Arrays.
func (el *xmlElement) value() any {
	text := strings.TrimSpace(el.text.String())
	if len(el.attrs) == 0 && len(el.children) == 0 {
		return text
	}

	out := make(map[string]any)
	if len(el.attrs) > 0 {
		attrs := make(map[string]any, len(el.attrs))
		for _, a := range el.attrs {
			attrs[a.Name.Local] = a.Value
		}
		out[xmlAttrKey] = attrs
	}

	counts := make(map[string]int, len(el.children))
	for _, c := range el.children {
		counts[c.name]++
	}
	for _, c := range el.children {
		if counts[c.name] > 1 {
			list, _ := out[c.name].([]any)
			out[c.name] = append(list, c.value())
			continue
		}
		out[c.name] = c.value()
	}
	if text != "" {
		out[xmlTextKey] = text
	}
	return out
}
