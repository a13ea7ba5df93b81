package grpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Messages on the HostBoundary service are google.protobuf.Struct values
// carrying the JSON form of the endpoint request and response types.

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// stringField reads a top level string field, or a string nested one
// level down when path has two elements.
func stringField(s *structpb.Struct, path ...string) string {
	for i, key := range path {
		v, ok := s.GetFields()[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			return v.GetStringValue()
		}
		s = v.GetStructValue()
		if s == nil {
			return ""
		}
	}
	return ""
}
