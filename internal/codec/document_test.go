package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"mentora/memory/internal/block"
	"mentora/memory/internal/schema"
)

func TestEncodeDocumentLayout(t *testing.T) {
	cod, reg := newTestCodec(t)
	r := testRecord(t, reg)

	doc, err := cod.EncodeDocument(r, Meta{
		Label:      "profile",
		Generation: 1,
		UpdatedAt:  time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Title:      "owner-1/profile",
	})
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	text := string(doc)

	if !strings.HasPrefix(text, "---\nlabel: profile\n") {
		t.Errorf("expected fenced header, got:\n%s", text)
	}
	for _, want := range []string{
		"generation: 1",
		"updated_at: 2026-03-01T09:30:00Z",
		"title: owner-1/profile",
		"## bio",
		"Curious about space.",
		"## interests",
		"- astronomy",
		"- chess",
		"## onboarded",
		"yes",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected document to contain %q, got:\n%s", want, text)
		}
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	cod, reg := newTestCodec(t)
	r := testRecord(t, reg)
	meta := Meta{
		Label:      "profile",
		Generation: reg.Generation(),
		UpdatedAt:  time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Title:      "owner-1/profile",
	}

	doc, err := cod.EncodeDocument(r, meta)
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	gotMeta, back, err := cod.DecodeDocument(doc)
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("expected meta %+v, got %+v", meta, gotMeta)
	}
	if !r.Equal(back) {
		t.Errorf("round trip changed record")
	}
}

func TestDecodeDocumentEditedField(t *testing.T) {
	cod, reg := newTestCodec(t)
	r := testRecord(t, reg)

	doc, err := cod.EncodeDocument(r, Meta{Label: "profile", Generation: 1, Title: "t"})
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	edited := strings.Replace(string(doc), "Curious about space.", "Now into robotics.", 1)

	_, back, err := cod.DecodeDocument([]byte(edited))
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	v, _ := back.Get("bio")
	if v.Str() != "Now into robotics." {
		t.Errorf("expected edited bio, got %q", v.Str())
	}
}

func TestDecodeDocumentParseErrors(t *testing.T) {
	cod, _ := newTestCodec(t)
	tests := []struct {
		name string
		doc  string
	}{
		{"missing fence", "label: profile\n"},
		{"unterminated header", "---\nlabel: profile\n"},
		{"header missing label", "---\ntitle: x\n---\n"},
		{"bad generation", "---\nlabel: profile\ngeneration: two\n---\n"},
		{"bad updated_at", "---\nlabel: profile\nupdated_at: yesterday\n---\n"},
		{"unknown label", "---\nlabel: nope\n---\n"},
		{"bad int body", "---\nlabel: profile\n---\n\n## grade_level\n\neight\n"},
		{"bad bool body", "---\nlabel: profile\n---\n\n## onboarded\n\nmaybe\n"},
		{"bad list body", "---\nlabel: profile\n---\n\n## interests\n\nastronomy\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := cod.DecodeDocument([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Errorf("expected *ParseError, got %T", err)
			}
		})
	}
}

func TestDecodeDocumentSkipsUnknownSection(t *testing.T) {
	cod, _ := newTestCodec(t)
	doc := "---\nlabel: profile\ngeneration: 1\n---\n\n## bio\n\nkept\n\n## legacy\n\ndropped\n"
	_, back, err := cod.DecodeDocument([]byte(doc))
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	v, _ := back.Get("bio")
	if v.Str() != "kept" {
		t.Errorf("expected bio kept, got %q", v.Str())
	}
}

func TestDecodeDocumentMissingSectionKeepsDefault(t *testing.T) {
	cod, _ := newTestCodec(t)
	doc := "---\nlabel: profile\ngeneration: 1\n---\n\n## bio\n\nonly bio\n"
	_, back, err := cod.DecodeDocument([]byte(doc))
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	v, _ := back.Get("preferred_style")
	if v.Str() != "socratic" {
		t.Errorf("expected default style, got %q", v.Str())
	}
}

func TestRenderParseFieldRoundTrip(t *testing.T) {
	specs := map[string]struct {
		spec  schema.FieldSpec
		value block.Value
	}{
		"string": {schema.FieldSpec{Name: "s", Type: schema.TypeString}, block.String("two\nlines")},
		"int":    {schema.FieldSpec{Name: "n", Type: schema.TypeInt}, block.Int(42)},
		"float":  {schema.FieldSpec{Name: "f", Type: schema.TypeFloat}, block.Float(0.25)},
		"bool":   {schema.FieldSpec{Name: "b", Type: schema.TypeBool}, block.Bool(false)},
		"list":   {schema.FieldSpec{Name: "l", Type: schema.TypeList}, block.List([]string{"a", "b"})},
		"time":   {schema.FieldSpec{Name: "t", Type: schema.TypeTimestamp}, block.Timestamp(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))},
		"empty list": {schema.FieldSpec{Name: "l", Type: schema.TypeList}, block.List(nil)},
		"zero time":  {schema.FieldSpec{Name: "t", Type: schema.TypeTimestamp}, block.Timestamp(time.Time{})},
	}
	for name, tc := range specs {
		t.Run(name, func(t *testing.T) {
			text := RenderField(tc.value)
			back, err := ParseField(tc.spec, text)
			if err != nil {
				t.Fatalf("parse field: %v", err)
			}
			if !tc.value.Equal(back) {
				t.Errorf("round trip changed value: %q", text)
			}
		})
	}
}

func TestDocumentPreservesHeadingLikeLines(t *testing.T) {
	cod, reg := newTestCodec(t)
	r := testRecord(t, reg)

	bio := "Notes:\n## not a heading\n\\starts with a backslash\nend"
	r, err := r.Set("bio", block.String(bio))
	if err != nil {
		t.Fatalf("set bio: %v", err)
	}

	doc, err := cod.EncodeDocument(r, Meta{Label: "profile", Generation: reg.Generation(), Title: "t"})
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	_, back, err := cod.DecodeDocument(doc)
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	v, _ := back.Get("bio")
	if v.Str() != bio {
		t.Errorf("round trip changed bio: got %q", v.Str())
	}
	o, _ := back.Get("onboarded")
	if !o.Bool() {
		t.Errorf("expected later sections to survive, onboarded lost")
	}
}

func TestDocumentPreservesTrailingNewline(t *testing.T) {
	cod, reg := newTestCodec(t)
	r := testRecord(t, reg)

	bio := "line one\n"
	r, err := r.Set("bio", block.String(bio))
	if err != nil {
		t.Fatalf("set bio: %v", err)
	}

	doc, err := cod.EncodeDocument(r, Meta{Label: "profile", Generation: reg.Generation(), Title: "t"})
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	_, back, err := cod.DecodeDocument(doc)
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	v, _ := back.Get("bio")
	if v.Str() != bio {
		t.Errorf("round trip changed bio: got %q", v.Str())
	}
}

func TestDocumentPreservesEmptyListItem(t *testing.T) {
	cod, reg := newTestCodec(t)
	r := testRecord(t, reg)

	items := []string{"astronomy", "", "chess"}
	r, err := r.Set("interests", block.List(items))
	if err != nil {
		t.Fatalf("set interests: %v", err)
	}

	doc, err := cod.EncodeDocument(r, Meta{Label: "profile", Generation: reg.Generation(), Title: "t"})
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	_, back, err := cod.DecodeDocument(doc)
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	v, _ := back.Get("interests")
	got := v.Items()
	if len(got) != len(items) {
		t.Fatalf("expected %d items, got %v", len(items), got)
	}
	for i := range items {
		if got[i] != items[i] {
			t.Errorf("item %d: expected %q, got %q", i, items[i], got[i])
		}
	}
}

func TestDocumentPreservesSubsecondTimestamps(t *testing.T) {
	cod, reg := newTestCodec(t)
	b, _ := reg.Get("observations")
	r, err := block.Materialize(b, reg.Generation())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	ts := time.Date(2026, 3, 1, 9, 30, 12, 345678901, time.UTC)
	r, err = r.Set("last_session", block.Timestamp(ts))
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	meta := Meta{Label: "observations", Generation: reg.Generation(), UpdatedAt: ts, Title: "t"}

	doc, err := cod.EncodeDocument(r, meta)
	if err != nil {
		t.Fatalf("encode document: %v", err)
	}
	gotMeta, back, err := cod.DecodeDocument(doc)
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if !gotMeta.UpdatedAt.Equal(ts) {
		t.Errorf("expected updated_at %v, got %v", ts, gotMeta.UpdatedAt)
	}
	v, _ := back.Get("last_session")
	if !v.Time().Equal(ts) {
		t.Errorf("expected %v, got %v", ts, v.Time())
	}
}
