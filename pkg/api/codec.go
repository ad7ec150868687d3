package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct encodes a message as a structpb.Struct through its JSON form
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	m := map[string]any{}
	if string(data) != "null" {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes a structpb.Struct into v
func FromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
