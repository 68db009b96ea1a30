package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/partstream/messaging-backend/internal/erp"
	"github.com/partstream/messaging-backend/internal/model"
)

type searchInventoryArgs struct {
	Query string `json:"consulta" jsonschema:"required" jsonschema_description:"Descripción o SKU de la refacción buscada"`
}

type confirmPurchaseArgs struct {
	SKU      string `json:"sku" jsonschema:"required" jsonschema_description:"SKU de la refacción a apartar"`
	Quantity int    `json:"cantidad,omitempty" jsonschema_description:"Cantidad a apartar, 1 si se omite"`
}

func (s *Suite) registerInventory(r *Registry) {
	r.Register(Definition{
		Name:            "search_inventory",
		Description:     "Busca refacciones en el catálogo y revisa existencias en todas las sucursales, priorizando las cercanas al cliente.",
		Parameters:      schemaFor(&searchInventoryArgs{}),
		RequiresProfile: true,
	}, s.searchInventory)

	r.Register(Definition{
		Name:            "confirm_purchase",
		Description:     "Aparta una refacción para el cliente después de que confirma la compra. Verifica existencias frescas antes de apartar.",
		Parameters:      schemaFor(&confirmPurchaseArgs{}),
		RequiresProfile: true,
	}, s.confirmPurchase)
}

// searchInventory runs the two-phase lookup: catalog match first, then
// per-branch stock with local branches surfaced ahead of shipped options.
func (s *Suite) searchInventory(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args searchInventoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("search_inventory", err), nil
	}
	if strings.TrimSpace(args.Query) == "" {
		return &model.FunctionResult{Success: false, Error: "empty query"}, nil
	}

	parts, err := s.inv.SearchParts(ctx, args.Query)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		s.noteAction(call.Conversation.ID, "búsqueda sin resultados: "+args.Query)
		return &model.FunctionResult{
			Success: true,
			Data: map[string]any{
				"encontrado": false,
				"mensaje":    "No se encontraron refacciones para esa búsqueda.",
			},
		}, nil
	}

	profile := call.Conversation.Profile
	results := make([]map[string]any, 0, len(parts))
	for i, part := range parts {
		if i >= 5 {
			break
		}
		avail, err := s.inv.CheckStock(ctx, part.SKU)
		if err != nil {
			return nil, err
		}

		local, remote := s.splitByLocality(profile, avail.Rows)
		entry := map[string]any{
			"sku":        part.SKU,
			"nombre":     part.Name,
			"marca":      part.Brand,
			"precio":     FormatPrice(part.PriceCents, part.Currency),
			"stockLocal": len(local) > 0,
		}
		if len(local) > 0 {
			entry["sucursales"] = branchList(local)
		} else if len(remote) > 0 {
			entry["enviado_desde"] = branchList(remote)
		} else {
			entry["agotado"] = true
		}
		results = append(results, entry)
		s.noteSKU(call.Conversation.ID, part.SKU)
	}

	s.noteAction(call.Conversation.ID, "búsqueda de inventario: "+args.Query)
	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"encontrado":  true,
			"refacciones": results,
		},
	}, nil
}

// confirmPurchase re-validates stock just before committing; the figures
// from an earlier search may be stale by the time the client decides.
func (s *Suite) confirmPurchase(ctx context.Context, raw json.RawMessage, call *CallContext) (*model.FunctionResult, error) {
	var args confirmPurchaseArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return invalidArgs("confirm_purchase", err), nil
	}
	if args.SKU == "" {
		return &model.FunctionResult{Success: false, Error: "missing sku"}, nil
	}
	if args.Quantity <= 0 {
		args.Quantity = 1
	}

	avail, err := s.inv.CheckStock(ctx, args.SKU)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, row := range avail.Rows {
		total += row.Quantity
	}
	if total < args.Quantity {
		s.noteAction(call.Conversation.ID, "compra rechazada por falta de existencias: "+args.SKU)
		return &model.FunctionResult{
			Success: false,
			Error:   "insufficient stock",
			Data: map[string]any{
				"sku":        args.SKU,
				"disponible": total,
			},
		}, nil
	}

	profile := call.Conversation.Profile
	result, err := s.inv.ReserveOrder(ctx, erp.ReserveRequest{
		SKU:        args.SKU,
		Quantity:   args.Quantity,
		ClientName: profile.Name,
		Locator:    profile.Locator(),
	})
	if err != nil {
		return nil, err
	}

	// Image share is best-effort: fire it off detached so a slow or
	// failing media endpoint never delays the purchase confirmation.
	if s.images != nil {
		to := call.Conversation.ClientID
		go func(sku string) {
			imgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			url, err := s.inv.ProductImageURL(imgCtx, sku)
			if err != nil || url == "" {
				return
			}
			if err := s.images.SendImage(imgCtx, to, url); err != nil {
				s.log.Debug("product image send failed", "sku", sku, "error", err)
			}
		}(args.SKU)
	}

	s.noteSKU(call.Conversation.ID, args.SKU)
	s.noteAction(call.Conversation.ID, "compra apartada: "+args.SKU)
	return &model.FunctionResult{
		Success: true,
		Data: map[string]any{
			"orden":    result.OrderID,
			"sku":      result.SKU,
			"cantidad": result.Quantity,
			"total":    FormatPrice(result.TotalCents, result.Currency),
		},
	}, nil
}

func (s *Suite) splitByLocality(profile model.ClientProfile, rows []erp.StockRow) (local, remote []erp.StockRow) {
	for _, row := range rows {
		if row.Quantity <= 0 {
			continue
		}
		if s.matcher(profile, row) {
			local = append(local, row)
		} else {
			remote = append(remote, row)
		}
	}
	return local, remote
}

func branchList(rows []erp.StockRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"sucursal":    row.BranchName,
			"ciudad":      row.City,
			"existencias": row.Quantity,
		})
	}
	return out
}
