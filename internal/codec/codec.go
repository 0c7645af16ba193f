// Package codec converts records between their typed form, the compact sync
// representation, and the human-editable document format.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"mentora/memory/internal/block"
	"mentora/memory/internal/schema"
)

// Codec encodes and decodes records against the active schema registry.
type Codec struct {
	reg *schema.Registry
	log zerolog.Logger
}

func New(reg *schema.Registry, log zerolog.Logger) *Codec {
	return &Codec{reg: reg, log: log.With().Str("component", "codec").Logger()}
}

// Encode renders a record as RFC 8785 canonical JSON. The output is
// deterministically field-ordered, so equal records always produce equal
// bytes; the mirror payload and content hashing both rely on that.
func (c *Codec) Encode(r block.Record) ([]byte, error) {
	values := make(map[string]block.Value, len(r.Schema.Fields))
	for _, spec := range r.Schema.Fields {
		v, ok := r.Get(spec.Name)
		if !ok {
			return nil, fmt.Errorf("encode %s: missing field %s", r.Label, spec.Name)
		}
		values[spec.Name] = v
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Label, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", r.Label, err)
	}
	return canonical, nil
}

// Digest returns the blake2b-256 hex digest of a record's canonical
// encoding. The sync adapter compares digests to skip unchanged pushes.
func (c *Codec) Digest(r block.Record) (string, error) {
	encoded, err := c.Encode(r)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Decode rebuilds a record from stored content using the given schema.
// Fields absent from the content fall back to schema defaults; content
// fields outside the schema are dropped with a warning.
func (c *Codec) Decode(b schema.BlockSchema, gen uint64, content []byte) (block.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return block.Record{}, fmt.Errorf("decode %s: %w", b.Label, err)
	}

	record, err := block.Materialize(b, gen)
	if err != nil {
		return block.Record{}, err
	}
	for name, raw := range fields {
		spec, ok := b.Field(name)
		if !ok {
			c.log.Warn().Str("label", b.Label).Str("field", name).Msg("dropping field not in active schema")
			continue
		}
		v, err := block.ParseValue(spec, raw)
		if err != nil {
			return block.Record{}, fmt.Errorf("decode %s: %w", b.Label, err)
		}
		record, err = record.Set(name, v)
		if err != nil {
			return block.Record{}, err
		}
	}
	return record, nil
}

// DecodeActive resolves label in the active generation and decodes content
// against it.
func (c *Codec) DecodeActive(label string, content []byte) (block.Record, error) {
	b, ok := c.reg.Get(label)
	if !ok {
		return block.Record{}, fmt.Errorf("decode: unknown block label %q", label)
	}
	return c.Decode(b, c.reg.Generation(), content)
}
