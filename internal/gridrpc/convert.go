package gridrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%T is not a JSON object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into a JSON-tagged value. A nil s leaves v unchanged.
func fromStruct(s *structpb.Struct, v interface{}) error {
	if s == nil {
		return nil
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// listStruct wraps a list under a single key, since a Struct cannot be a
// bare array.
func listStruct(key string, v interface{}) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{key: v})
}
