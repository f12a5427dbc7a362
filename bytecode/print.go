package bytecode

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders a Value the way Print/Println do: primitives by their
// natural text, arrays as "[v, v, ...]", structs as
// "Struct Name { field: v, ... }" in field declaration order ("Struct
// Name {}" when the struct has no fields). Ref'd
// strings print unquoted (spec.md's open question on this is resolved in
// favor of the natural form).
func Format(h Reader, v Value) string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindChar:
		return string(v.c)
	case KindNil:
		return "nil"
	case KindRef:
		return formatObject(h, h.Get(v.ref))
	}
	return ""
}

func formatObject(h Reader, obj Object) string {
	switch o := obj.(type) {
	case *String:
		return o.Text
	case *Array:
		parts := make([]string, len(o.Elements))
		for i, el := range o.Elements {
			parts[i] = Format(h, el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Struct:
		var b strings.Builder
		fmt.Fprintf(&b, "Struct %s {", o.Name)
		for i, name := range o.FieldOrder {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, " %s: %s", name, Format(h, o.Fields[name]))
		}
		if len(o.FieldOrder) > 0 {
			b.WriteString(" ")
		}
		b.WriteString("}")
		return b.String()
	}
	return ""
}
