package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of live event types.
type Kind int

const (
	KindInvasion Kind = iota + 1
	KindEconomicShock
	KindBiomeShift
	KindLoreInjection
)

// Kinds lists every kind in declaration order.
var Kinds = []Kind{KindInvasion, KindEconomicShock, KindBiomeShift, KindLoreInjection}

func (k Kind) String() string {
	switch k {
	case KindInvasion:
		return "INVASION"
	case KindEconomicShock:
		return "ECONOMIC_SHOCK"
	case KindBiomeShift:
		return "BIOME_SHIFT"
	case KindLoreInjection:
		return "LORE_INJECTION"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindInvasion && k <= KindLoreInjection
}

// ParseKind accepts the wire name of a kind in any casing.
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, k := range Kinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("events: cannot marshal %s", k)
	}
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: event type must be a string", ErrInvalidInput)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status is the lifecycle state of a live event.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusResolved Status = "RESOLVED"
)

// ParseStatus accepts any casing; the empty string parses to "".
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case "", StatusActive, StatusResolved:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown event status %q", ErrInvalidInput, s)
}
