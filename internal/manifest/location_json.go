package manifest

import (
	"encoding/json"
	"fmt"
)

// locationWire is the tagged JSON shape used on the wire for a Location:
// {"kind": "zip"|"dir"|"function", ...fields}.
type locationWire struct {
	Kind     string   `json:"kind"`
	Path     string   `json:"path,omitempty"`
	Module   string   `json:"module,omitempty"`
	FuncName string   `json:"func_name,omitempty"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// LocationBox wraps a Location so it can be marshaled/unmarshaled as a
// discriminated JSON object; Go interfaces have no default JSON
// representation, so every message carrying a Location uses this box
// instead of the bare interface.
type LocationBox struct {
	Location Location
}

func (b LocationBox) MarshalJSON() ([]byte, error) {
	var wire locationWire
	switch l := b.Location.(type) {
	case Zip:
		wire = locationWire{Kind: "zip", Path: l.Path}
	case Dir:
		wire = locationWire{Kind: "dir", Path: l.Path}
	case Function:
		m := l.Manifest
		wire = locationWire{Kind: "function", Module: l.Module, FuncName: l.FuncName, Manifest: &m}
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("manifest: unknown location type %T", l)
	}
	return json.Marshal(wire)
}

func (b *LocationBox) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		b.Location = nil
		return nil
	}
	var wire locationWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Kind {
	case "zip":
		b.Location = Zip{Path: wire.Path}
	case "dir":
		b.Location = Dir{Path: wire.Path}
	case "function":
		if wire.Manifest == nil {
			return fmt.Errorf("manifest: function location missing manifest")
		}
		b.Location = Function{Module: wire.Module, FuncName: wire.FuncName, Manifest: *wire.Manifest}
	default:
		return fmt.Errorf("manifest: unknown location kind %q", wire.Kind)
	}
	return nil
}
