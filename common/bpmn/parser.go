package bpmn

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Model is a parsed BPMN document
type Model struct {
	// Definitions is the document root element
	Definitions *Element
	// Processes are the top-level process elements in document order
	Processes []*Element
	// ByID indexes every element that carries an id
	ByID map[string]*Element
	// Collaboration elements (participants, message flows), when present
	Collaborations []*Element
}

// Parse decodes BPMN XML into an element tree
func Parse(source string) (*Model, error) {
	decoder := xml.NewDecoder(strings.NewReader(source))

	var root *Element
	var stack []*Element

	for {
		tok, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse bpmn: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			elem := &Element{
				Type:  t.Name.Local,
				Attrs: make(map[string]string, len(t.Attr)),
			}
			for _, attr := range t.Attr {
				name := attr.Name.Local
				if attr.Name.Space != "" && name != "id" && name != "name" {
					// keep prefixed form for extension attributes too
					elem.Attrs[attr.Name.Space+":"+name] = attr.Value
				}
				elem.Attrs[name] = attr.Value
			}
			elem.ID = elem.Attrs["id"]
			elem.Name = elem.Attrs["name"]

			if len(stack) == 0 {
				root = elem
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, elem)
			}
			stack = append(stack, elem)

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}

		case xml.CharData:
			if len(stack) > 0 {
				text := strings.TrimSpace(string(t))
				if text != "" {
					stack[len(stack)-1].Text += text
				}
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("parse bpmn: empty document")
	}

	model := &Model{
		Definitions: root,
		ByID:        make(map[string]*Element),
	}
	index(root, model.ByID)

	for _, child := range root.Children {
		switch child.Type {
		case "process":
			model.Processes = append(model.Processes, child)
		case "collaboration":
			model.Collaborations = append(model.Collaborations, child)
		}
	}
	if len(model.Processes) == 0 {
		return nil, fmt.Errorf("parse bpmn: no process element")
	}
	return model, nil
}

func index(elem *Element, byID map[string]*Element) {
	if elem.ID != "" {
		byID[elem.ID] = elem
	}
	for _, child := range elem.Children {
		index(child, byID)
	}
}
