package events

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// InvasionParams are the parameters of an INVASION event.
type InvasionParams struct {
	Location *Point `json:"location,omitempty"`
	Faction  string `json:"faction,omitempty"`
}

// EconomicShockParams are the parameters of an ECONOMIC_SHOCK event.
type EconomicShockParams struct {
	Magnitude float64 `json:"magnitude"`
	ItemType  string  `json:"item_type,omitempty"`
}

// BiomeShiftParams are the parameters of a BIOME_SHIFT event. A nil Weight
// means the event severity is used.
type BiomeShiftParams struct {
	Weight      *float64 `json:"weight,omitempty"`
	TargetBiome string   `json:"target_biome,omitempty"`
	Region      *Region  `json:"region,omitempty"`
}

// LoreParams are the parameters of a LORE_INJECTION event.
type LoreParams struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

var schemas = mustCompileSchemas()

func schemaFile(k Kind) string {
	return strings.ToLower(k.String()) + ".schema.json"
}

func mustCompileSchemas() map[Kind]*jsonschema.Schema {
	out := make(map[Kind]*jsonschema.Schema, len(Kinds))
	for _, k := range Kinds {
		name := schemaFile(k)
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("events: read schema %s: %v", name, err))
		}
		out[k] = jsonschema.MustCompileString(name, string(data))
	}
	return out
}

// decodeParams validates raw against the kind's schema and decodes it into
// the kind's parameter struct. Empty input is treated as {}.
func decodeParams(k Kind, raw json.RawMessage) (any, json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: parameters are not valid JSON", ErrInvalidInput)
	}
	schema, ok := schemas[k]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown event type", ErrInvalidInput)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, nil, fmt.Errorf("%w: parameters: %s", ErrInvalidInput, validationMessage(err))
	}

	var params any
	switch k {
	case KindInvasion:
		params = &InvasionParams{}
	case KindEconomicShock:
		params = &EconomicShockParams{}
	case KindBiomeShift:
		params = &BiomeShiftParams{}
	case KindLoreInjection:
		params = &LoreParams{}
	default:
		return nil, nil, fmt.Errorf("%w: unknown event type", ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, nil, fmt.Errorf("%w: parameters: %v", ErrInvalidInput, err)
	}
	if p, ok := params.(*BiomeShiftParams); ok && p.Region != nil {
		if p.Region.MinX > p.Region.MaxX || p.Region.MinY > p.Region.MaxY {
			return nil, nil, fmt.Errorf("%w: region min must not exceed max", ErrInvalidInput)
		}
	}
	compact := new(bytes.Buffer)
	if err := json.Compact(compact, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: parameters: %v", ErrInvalidInput, err)
	}
	return params, compact.Bytes(), nil
}

func validationMessage(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}
