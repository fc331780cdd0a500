// Package bpmn parses BPMN 2.0 XML into a generic typed element tree. The
// tree keeps local tag names, attributes and nesting; the definition loader
// interprets it into the executable node graph.
package bpmn

import "strings"

// Element is one XML element of the model
type Element struct {
	// Type is the local tag name, e.g. "userTask" or "timerEventDefinition"
	Type     string
	ID       string
	Name     string
	Attrs    map[string]string
	Children []*Element
	Text     string
}

// Attr returns the named attribute, matching on local name
func (e *Element) Attr(name string) string {
	if v, ok := e.Attrs[name]; ok {
		return v
	}
	for k, v := range e.Attrs {
		if local(k) == name {
			return v
		}
	}
	return ""
}

// First returns the first direct child with the given type
func (e *Element) First(elemType string) *Element {
	for _, child := range e.Children {
		if child.Type == elemType {
			return child
		}
	}
	return nil
}

// All returns direct children matching any of the given types
func (e *Element) All(types ...string) []*Element {
	var out []*Element
	for _, child := range e.Children {
		for _, t := range types {
			if child.Type == t {
				out = append(out, child)
				break
			}
		}
	}
	return out
}

// EventDefinitions returns the child event definition elements
func (e *Element) EventDefinitions() []*Element {
	var out []*Element
	for _, child := range e.Children {
		if strings.HasSuffix(child.Type, "EventDefinition") {
			out = append(out, child)
		}
	}
	return out
}

// ExtensionElements returns the contents of the extensionElements block
func (e *Element) ExtensionElements() []*Element {
	if ext := e.First("extensionElements"); ext != nil {
		return ext.Children
	}
	return nil
}

func local(name string) string {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		return name[i+1:]
	}
	return name
}
