package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/model"
)

type createTicketArgs struct {
	Subject string `json:"asunto" jsonschema:"required" jsonschema_description:"Asunto breve del problema"`
	Detail  string `json:"detalle" jsonschema:"required" jsonschema_description:"Descripción completa del problema del cliente"`
}

func (s *Suite) registerTicket(r *Registry) {
	r.Register(Definition{
		Name:            "create_ticket",
		Description:     "Abre un ticket de soporte cuando el cliente reporta un problema con un pedido o una refacción.",
		Parameters:      schemaFor(&createTicketArgs{}),
		RequiresProfile: true,
	}, s.createTicket)
}

func (s *Suite) createTicket(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args createTicketArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("create_ticket", err), nil
	}
	if strings.TrimSpace(args.Subject) == "" || strings.TrimSpace(args.Detail) == "" {
		return &model.FunctionResult{Success: false, Error: "subject and detail are required"}, nil
	}

	ticket, err := s.inv.CreateTicket(ctx, erp.TicketRequest{
		ClientName: call.Conversation.Profile.Name,
		Subject:    args.Subject,
		Detail:     args.Detail,
	})
	if err != nil {
		return nil, err
	}

	s.noteAction(call.Conversation.ID, "ticket abierto: "+ticket.ID)
	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"ticket": ticket.ID,
			"estado": ticket.Status,
		},
	}, nil
}
