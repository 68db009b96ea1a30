package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/model"
)

type quoteShippingArgs struct {
	SKU      string `json:"sku" jsonschema:"required" jsonschema_description:"SKU de la refacción a enviar"`
	Quantity int    `json:"cantidad,omitempty" jsonschema_description:"Cantidad a enviar, 1 si se omite"`
}

func (s *Suite) registerShipping(r *Registry) {
	r.Register(Definition{
		Name:            "quote_shipping",
		Description:     "Cotiza el envío de una refacción a la localidad del cliente.",
		Parameters:      schemaFor(&quoteShippingArgs{}),
		RequiresProfile: true,
	}, s.quoteShipping)
}

func (s *Suite) quoteShipping(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args quoteShippingArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("quote_shipping", err), nil
	}
	if args.SKU == "" {
		return &model.FunctionResult{Success: false, Error: "missing sku"}, nil
	}
	if args.Quantity <= 0 {
		args.Quantity = 1
	}

	quote, err := s.inv.QuoteShipping(ctx, erp.QuoteRequest{
		SKU:      args.SKU,
		Quantity: args.Quantity,
		Locator:  call.Conversation.Profile.Locator(),
	})
	if err != nil {
		return nil, err
	}

	s.noteSKU(call.Conversation.ID, args.SKU)
	s.noteAction(call.Conversation.ID, "cotización de envío: "+args.SKU)
	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"costo":      FormatPrice(quote.AmountCents, quote.Currency),
			"entrega":    fmt.Sprintf("%d días hábiles", quote.EtaDays),
			"paqueteria": quote.Carrier,
		},
	}, nil
}
