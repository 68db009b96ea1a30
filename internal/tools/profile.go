package tools

import (
	"context"
	"encoding/json"

	"github.com/partstream/messaging-backend/internal/model"
)

type saveClientDataArgs struct {
	Name       string `json:"nombre,omitempty" jsonschema_description:"Nombre del cliente"`
	PostalCode string `json:"codigo_postal,omitempty" jsonschema_description:"Código postal del cliente"`
	Address    string `json:"direccion,omitempty" jsonschema_description:"Dirección del cliente"`
	Email      string `json:"email,omitempty" jsonschema_description:"Correo electrónico del cliente"`
	Vehicle    string `json:"vehiculo,omitempty" jsonschema_description:"Vehículo del cliente (marca, modelo, año)"`
}

func (s *Suite) registerProfile(r *Registry) {
	r.Register(Definition{
		Name:        "save_client_data",
		Description: "Guarda los datos del cliente (nombre, código postal, dirección, email, vehículo) conforme los va compartiendo.",
		Parameters:  schemaFor(&saveClientDataArgs{}),
		// Exempt from the profile gate: this is how the profile is built.
		RequiresProfile: false,
	}, s.saveClientData)
}

func (s *Suite) saveClientData(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args saveClientDataArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("save_client_data", err), nil
	}
	if args == (saveClientDataArgs{}) {
		return &model.FunctionResult{Success: false, Error: "no fields to save"}, nil
	}

	conv, err := s.convos.UpdateProfile(ctx, call.Conversation.ID, func(p *model.ClientProfile) {
		if args.Name != "" {
			p.Name = args.Name
		}
		if args.PostalCode != "" {
			p.PostalCode = args.PostalCode
		}
		if args.Address != "" {
			p.Address = args.Address
		}
		if args.Email != "" {
			p.Email = args.Email
		}
		if args.Vehicle != "" {
			p.Vehicle = args.Vehicle
		}
	})
	if err != nil {
		return nil, err
	}

	// Keep the in-turn snapshot current so later calls in the same turn
	// see the updated profile.
	call.Conversation.Profile = conv.Profile
	s.noteAction(call.Conversation.ID, "datos de cliente actualizados")

	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"perfil_completo": conv.Profile.Complete(),
		},
	}, nil
}
