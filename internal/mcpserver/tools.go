package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the accountmarket MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get one of your marketplace orders: its status, the escrow countdown while funds are held, "+
			"and which actions (confirm receipt, open dispute, cancel) are currently available to you."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID (e.g. 'ord_...')")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List your marketplace orders as buyer or seller, newest first."),
	mcp.WithString("status",
		mcp.Description("Only orders in this status"),
		mcp.Enum("payment_intent", "paid", "escrow_hold", "completed", "cancelled", "disputed")),
	mcp.WithString("side",
		mcp.Description("Only orders where you are the buyer or the seller"),
		mcp.Enum("buyer", "seller")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolConfirmReceipt = mcp.NewTool("confirm_receipt",
	mcp.WithDescription(
		"Confirm you received the account you bought. Only the buyer can do this, and only while "+
			"funds are held in escrow. This releases the funds to the seller and cannot be undone."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID to confirm")),
)

var ToolListDisputableOrders = mcp.NewTool("list_disputable_orders",
	mcp.WithDescription(
		"List your orders that can still receive a dispute: held in escrow and never disputed before. "+
			"An order can only ever have one dispute."),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription("List disputes on your orders."),
	mcp.WithString("status",
		mcp.Description("Only disputes in this status"),
		mcp.Enum("open", "under_review", "resolved", "closed")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute against an order held in escrow. Requires a linked external identity account; "+
			"if none is linked the result contains the link to set one up."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID from list_disputable_orders")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Short reason (at most 120 characters)")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("Full description of the problem (at least 10 characters)")),
)

var ToolCancelDispute = mcp.NewTool("cancel_dispute",
	mcp.WithDescription(
		"Withdraw a dispute you opened, while it is still open. The order returns to escrow under its "+
			"original release time; the countdown is not restarted."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
)
