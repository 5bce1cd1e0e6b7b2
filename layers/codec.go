package layers

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct encodes the spec as a protobuf Struct:
//
//	{"type": "Convolution", "name": "conv1", "engine": "ACCELERATOR", "parameters": {...}}
func (ls LayerSpec) ToStruct() (*structpb.Struct, error) {
	params := ls.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	s, err := structpb.NewStruct(map[string]interface{}{
		"type":       ls.Type.String(),
		"name":       ls.Name,
		"engine":     ls.Engine.String(),
		"parameters": params,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode layer %q", ls.Name)
	}
	return s, nil
}

// SpecFromStruct decodes a spec produced by ToStruct or parsed from JSON
func SpecFromStruct(s *structpb.Struct) (LayerSpec, error) {
	fields := s.GetFields()

	lt, err := ParseLayerType(fields["type"].GetStringValue())
	if err != nil {
		return LayerSpec{}, err
	}
	engine, err := ParseEngine(fields["engine"].GetStringValue())
	if err != nil {
		return LayerSpec{}, err
	}

	spec := LayerSpec{
		Type:       lt,
		Name:       fields["name"].GetStringValue(),
		Engine:     engine,
		Parameters: map[string]interface{}{},
	}
	if params := fields["parameters"].GetStructValue(); params != nil {
		spec.Parameters = params.AsMap()
	}
	return spec, nil
}

// ParseSpecsJSON decodes a {"layers": [...]} document
func ParseSpecsJSON(data []byte) ([]LayerSpec, error) {
	var doc structpb.Struct
	if err := protojson.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse layer specs")
	}

	list := doc.GetFields()["layers"].GetListValue()
	if list == nil {
		return nil, configErrorf("layer specs: missing \"layers\" list")
	}

	specs := make([]LayerSpec, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, configErrorf("layer specs: entry %d is not an object", i)
		}
		spec, err := SpecFromStruct(s)
		if err != nil {
			return nil, errors.Wrapf(err, "layer specs: entry %d", i)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// MarshalSpecsJSON encodes specs as a {"layers": [...]} document
func MarshalSpecsJSON(specs []LayerSpec) ([]byte, error) {
	values := make([]*structpb.Value, 0, len(specs))
	for _, spec := range specs {
		s, err := spec.ToStruct()
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	doc := &structpb.Struct{Fields: map[string]*structpb.Value{
		"layers": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
	return protojson.MarshalOptions{Multiline: true}.Marshal(doc)
}
