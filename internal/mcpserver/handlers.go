package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MarketClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MarketClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetOrder shows one order with its countdown and actions.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return toolError("Failed to get order", err), nil
	}

	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(formatOrderView(view)), nil
}

// HandleListOrders lists the viewer's orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	side := req.GetString("side", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOrders(ctx, status, side, limit)
	if err != nil {
		return toolError("Failed to list orders", err), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmReceipt confirms receipt and releases escrow to the seller.
func (h *Handlers) HandleConfirmReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.ConfirmReceipt(ctx, orderID)
	if err != nil {
		return toolError("Confirmation failed", err), nil
	}

	var view map[string]any
	if err := json.Unmarshal(raw, &view); err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("Receipt confirmed for order %s.", orderID)), nil
	}
	return mcp.NewToolResultText("Receipt confirmed. Funds were released to the seller.\n\n" + formatOrderView(view)), nil
}

// HandleListDisputableOrders lists orders that can still receive a dispute.
func (h *Handlers) HandleListDisputableOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.DisputeCandidates(ctx)
	if err != nil {
		return toolError("Failed to list disputable orders", err), nil
	}

	var resp struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	if len(resp.Orders) == 0 {
		return mcp.NewToolResultText("No orders can be disputed right now."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d disputable orders:\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, orderLine(o))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListDisputes lists disputes on the viewer's orders.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDisputes(ctx, req.GetString("status", ""))
	if err != nil {
		return toolError("Failed to list disputes", err), nil
	}

	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	if len(resp.Disputes) == 0 {
		return mcp.NewToolResultText("No disputes found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d disputes:\n\n", len(resp.Disputes))
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, disputeLine(d))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOpenDispute opens a dispute against an escrowed order.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	reason := req.GetString("reason", "")
	description := req.GetString("description", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	if strings.TrimSpace(reason) == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}
	if strings.TrimSpace(description) == "" {
		return mcp.NewToolResultError("description is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, orderID, reason, description)
	if err != nil {
		return toolError("Failed to open dispute", err), nil
	}

	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute == nil {
		return mcp.NewToolResultText("Dispute opened.\n\n" + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute %s opened on order %s. Escrow is frozen until it is resolved or you cancel it.",
		getString(resp.Dispute, "id"), getString(resp.Dispute, "order_id"),
	)), nil
}

// HandleCancelDispute withdraws an open dispute.
func (h *Handlers) HandleCancelDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	if _, err := h.client.CancelDispute(ctx, disputeID); err != nil {
		return toolError("Failed to cancel dispute", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute %s cancelled. The order is back in escrow with its original release time.", disputeID,
	)), nil
}

// --- Formatting helpers ---

// toolError turns a client error into a tool result, surfacing the links
// the server attaches to some rejections.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := fmt.Sprintf("%s: %s", prefix, apiErr.Message)
		if apiErr.Message == "" {
			msg = fmt.Sprintf("%s: %s", prefix, apiErr.Code)
		}
		if apiErr.LinkURL != "" {
			msg += "\nLink your identity account first: " + apiErr.LinkURL
		}
		if apiErr.Redirect != "" {
			msg += "\nSee: " + apiErr.Redirect
		}
		return mcp.NewToolResultError(msg)
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func formatOrderView(view map[string]any) string {
	o, _ := view["order"].(map[string]any)
	if o == nil {
		o = map[string]any{}
	}

	var sb strings.Builder
	sb.WriteString(orderLine(o))
	sb.WriteString("\n")

	if badge, ok := view["badge"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Status: %s\n", getString(badge, "label"))
	}
	if side := getString(view, "side"); side != "" {
		fmt.Fprintf(&sb, "You are the %s\n", side)
	}
	if escrow, ok := view["escrow"].(map[string]any); ok {
		if expired, _ := escrow["expired"].(bool); expired {
			sb.WriteString("Escrow: hold period over, release pending\n")
		} else {
			fmt.Fprintf(&sb, "Escrow: %s left (releases %s)\n",
				getString(escrow, "countdown"), getString(escrow, "releaseAt"))
		}
	}
	if id := getString(o, "dispute_id"); id != "" {
		fmt.Fprintf(&sb, "Dispute: %s\n", id)
	}
	if creds := credentials(o); creds != "" {
		fmt.Fprintf(&sb, "Credentials: %s\n", creds)
	}

	actions, _ := view["actions"].([]any)
	if len(actions) == 0 {
		sb.WriteString("Available actions: none")
	} else {
		names := make([]string, 0, len(actions))
		for _, a := range actions {
			if s, ok := a.(string); ok {
				names = append(names, s)
			}
		}
		fmt.Fprintf(&sb, "Available actions: %s", strings.Join(names, ", "))
	}
	return sb.String()
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Orders) == 0 {
		return "No orders found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d orders:\n\n", len(resp.Orders))
	for i, view := range resp.Orders {
		o, _ := view["order"].(map[string]any)
		if o == nil {
			continue
		}
		label := getString(o, "status")
		if badge, ok := view["badge"].(map[string]any); ok {
			label = getString(badge, "label")
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s", i+1, orderLine(o), label)
		if escrow, ok := view["escrow"].(map[string]any); ok {
			fmt.Fprintf(&sb, ", %s left", getString(escrow, "countdown"))
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func orderLine(o map[string]any) string {
	title := ""
	if l, ok := o["listing"].(map[string]any); ok {
		title = getString(l, "title")
	}
	amount, _ := getFloat(o, "amount")
	if title == "" {
		return fmt.Sprintf("%s [%s] %.2f", getString(o, "id"), getString(o, "status"), amount)
	}
	return fmt.Sprintf("%s %q [%s] %.2f", getString(o, "id"), title, getString(o, "status"), amount)
}

func disputeLine(d map[string]any) string {
	return fmt.Sprintf("%s on order %s [%s] raised by %s: %s",
		getString(d, "id"), getString(d, "order_id"), getString(d, "status"),
		getString(d, "party"), getString(d, "reason"))
}

func credentials(o map[string]any) string {
	if l, ok := o["listing"].(map[string]any); ok {
		return getString(l, "credentials")
	}
	return ""
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
