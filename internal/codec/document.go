package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mentora/memory/internal/block"
	"mentora/memory/internal/schema"
)

// Meta is the structured header of a record document.
type Meta struct {
	Label      string
	Generation uint64
	UpdatedAt  time.Time
	Title      string
}

// ParseError reports a document that cannot be decoded.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse document: line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("parse document: %s", e.Msg)
}

const headerFence = "---"

// EncodeDocument renders a record as the human-editable mirror: a fenced
// key/value header followed by one section per schema field.
func (c *Codec) EncodeDocument(r block.Record, meta Meta) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(headerFence + "\n")
	sb.WriteString("label: " + meta.Label + "\n")
	sb.WriteString("generation: " + strconv.FormatUint(meta.Generation, 10) + "\n")
	sb.WriteString("updated_at: " + meta.UpdatedAt.UTC().Format(time.RFC3339Nano) + "\n")
	sb.WriteString("title: " + meta.Title + "\n")
	sb.WriteString(headerFence + "\n")

	for _, spec := range r.Schema.Fields {
		v, ok := r.Get(spec.Name)
		if !ok {
			return nil, fmt.Errorf("encode document %s: missing field %s", r.Label, spec.Name)
		}
		sb.WriteString("\n## " + spec.Name + "\n\n")
		body := escapeBodyLines(renderValue(v))
		if body != "" {
			sb.WriteString(body + "\n")
		}
	}
	return []byte(sb.String()), nil
}

// RenderField renders one field value in document form; the diff workflow
// stores proposed values this way.
func RenderField(v block.Value) string {
	return renderValue(v)
}

// ParseField is the inverse of RenderField for a known field spec.
func ParseField(spec schema.FieldSpec, text string) (block.Value, error) {
	return parseBody(spec, text)
}

func renderValue(v block.Value) string {
	switch v.Kind() {
	case block.KindString:
		return v.Str()
	case block.KindInt:
		return strconv.FormatInt(v.Num(), 10)
	case block.KindFloat:
		return strconv.FormatFloat(v.Flt(), 'g', -1, 64)
	case block.KindBool:
		if v.Bool() {
			return "yes"
		}
		return "no"
	case block.KindTimestamp:
		if v.Time().IsZero() {
			return ""
		}
		return v.Time().UTC().Format(time.RFC3339Nano)
	case block.KindList:
		items := v.Items()
		lines := make([]string, len(items))
		for i, item := range items {
			lines[i] = "- " + item
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

// DecodeDocument is the exact inverse of EncodeDocument against the active
// schema. Document sections for fields outside the schema are skipped with a
// warning; schema fields absent from the document keep their defaults.
func (c *Codec) DecodeDocument(doc []byte) (Meta, block.Record, error) {
	lines := strings.Split(strings.ReplaceAll(string(doc), "\r\n", "\n"), "\n")

	meta, bodyStart, err := parseHeader(lines)
	if err != nil {
		return Meta{}, block.Record{}, err
	}

	b, ok := c.reg.Get(meta.Label)
	if !ok {
		return Meta{}, block.Record{}, &ParseError{Msg: fmt.Sprintf("unknown block label %q", meta.Label)}
	}
	record, err := block.Materialize(b, meta.Generation)
	if err != nil {
		return Meta{}, block.Record{}, err
	}

	sections := parseSections(lines[bodyStart:])
	for _, sec := range sections {
		spec, ok := b.Field(sec.name)
		if !ok {
			c.log.Warn().Str("label", meta.Label).Str("field", sec.name).Msg("dropping document section not in active schema")
			continue
		}
		v, err := parseBody(spec, unescapeBodyLines(sec.body))
		if err != nil {
			return Meta{}, block.Record{}, err
		}
		record, err = record.Set(sec.name, v)
		if err != nil {
			return Meta{}, block.Record{}, err
		}
	}
	return meta, record, nil
}

func parseHeader(lines []string) (Meta, int, error) {
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != headerFence {
		return Meta{}, 0, &ParseError{Line: 1, Msg: "missing header fence"}
	}
	var meta Meta
	sawLabel := false
	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == headerFence {
			if !sawLabel {
				return Meta{}, 0, &ParseError{Line: i + 1, Msg: "header missing label"}
			}
			return meta, i + 1, nil
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return Meta{}, 0, &ParseError{Line: i + 1, Msg: "header line is not key: value"}
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "label":
			meta.Label = value
			sawLabel = true
		case "generation":
			gen, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Meta{}, 0, &ParseError{Line: i + 1, Msg: "generation is not an integer"}
			}
			meta.Generation = gen
		case "updated_at":
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return Meta{}, 0, &ParseError{Line: i + 1, Msg: "updated_at is not RFC 3339"}
			}
			meta.UpdatedAt = t.UTC()
		case "title":
			meta.Title = value
		}
	}
	return Meta{}, 0, &ParseError{Msg: "unterminated header"}
}

// escapeBodyLines backslash-escapes body lines that would otherwise read as
// a section heading, plus lines already starting with a backslash so the
// escape itself survives the round trip.
func escapeBodyLines(body string) string {
	if !strings.Contains(body, "## ") && !strings.Contains(body, `\`) {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, `\`) {
			lines[i] = `\` + line
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeBodyLines(body string) string {
	if !strings.Contains(body, `\`) {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, `\`) {
			lines[i] = line[1:]
		}
	}
	return strings.Join(lines, "\n")
}

type section struct {
	name string
	body string
}

func parseSections(lines []string) []section {
	var out []section
	var current *section
	var body []string

	// The encoder frames every body with exactly one blank line on each
	// side. Strip only that frame so values keep their own leading and
	// trailing newlines intact.
	flush := func() {
		if current == nil {
			return
		}
		if len(body) > 0 && body[0] == "" {
			body = body[1:]
		}
		if len(body) > 0 && body[len(body)-1] == "" {
			body = body[:len(body)-1]
		}
		current.body = strings.Join(body, "\n")
		out = append(out, *current)
		current = nil
		body = nil
	}

	for _, line := range lines {
		if name, ok := strings.CutPrefix(line, "## "); ok {
			flush()
			current = &section{name: strings.TrimSpace(name)}
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return out
}

func parseBody(spec schema.FieldSpec, body string) (block.Value, error) {
	switch spec.Type {
	case schema.TypeString:
		return block.String(body), nil
	case schema.TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(body), 10, 64)
		if err != nil {
			return block.Value{}, &ParseError{Msg: fmt.Sprintf("field %s: not an integer", spec.Name)}
		}
		return block.Int(n), nil
	case schema.TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(body), 64)
		if err != nil {
			return block.Value{}, &ParseError{Msg: fmt.Sprintf("field %s: not a number", spec.Name)}
		}
		return block.Float(f), nil
	case schema.TypeBool:
		switch strings.TrimSpace(body) {
		case "yes":
			return block.Bool(true), nil
		case "no":
			return block.Bool(false), nil
		}
		return block.Value{}, &ParseError{Msg: fmt.Sprintf("field %s: expected yes or no", spec.Name)}
	case schema.TypeTimestamp:
		trimmed := strings.TrimSpace(body)
		if trimmed == "" {
			return block.Timestamp(time.Time{}), nil
		}
		t, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return block.Value{}, &ParseError{Msg: fmt.Sprintf("field %s: not RFC 3339", spec.Name)}
		}
		return block.Timestamp(t), nil
	case schema.TypeList:
		if strings.TrimSpace(body) == "" {
			return block.List(nil), nil
		}
		var items []string
		for _, line := range strings.Split(body, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if trimmed == "-" {
				items = append(items, "")
				continue
			}
			item, ok := strings.CutPrefix(line, "- ")
			if !ok {
				item, ok = strings.CutPrefix(trimmed, "- ")
			}
			if !ok {
				return block.Value{}, &ParseError{Msg: fmt.Sprintf("field %s: list lines must start with \"- \"", spec.Name)}
			}
			items = append(items, item)
		}
		return block.List(items), nil
	}
	return block.Value{}, &ParseError{Msg: fmt.Sprintf("field %s: unknown type %q", spec.Name, spec.Type)}
}
