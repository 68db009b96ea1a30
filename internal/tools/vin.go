package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/partstream/messaging-backend/internal/model"
)

type decodeVINArgs struct {
	VIN string `json:"vin" jsonschema:"required" jsonschema_description:"Número de serie del vehículo (17 caracteres)"`
}

func (s *Suite) registerVIN(r *Registry) {
	r.Register(Definition{
		Name:        "decode_vin",
		Description: "Decodifica el número de serie (VIN) del vehículo para identificar marca, modelo, año y motor.",
		Parameters:  schemaFor(&decodeVINArgs{}),
	}, s.decodeVIN)
}

func (s *Suite) decodeVIN(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args decodeVINArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("decode_vin", err), nil
	}
	vin := strings.ToUpper(strings.TrimSpace(args.VIN))
	if len(vin) != 17 {
		return &model.FunctionResult{Success: false, Error: "a VIN has exactly 17 characters"}, nil
	}

	vehicle, err := s.inv.DecodeVIN(ctx, vin)
	if err != nil {
		return nil, err
	}

	s.noteAction(call.Conversation.ID, "VIN decodificado: "+vin)
	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"marca":  vehicle.Make,
			"modelo": vehicle.Model,
			"anio":   vehicle.Year,
			"motor":  vehicle.Engine,
		},
	}, nil
}
