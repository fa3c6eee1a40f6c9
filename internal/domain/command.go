package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// CommandType names an inbound engine command.
type CommandType string

const (
	CmdCreateOrder   CommandType = "CREATE_ORDER"
	CmdCancelOrder   CommandType = "CANCEL_ORDER"
	CmdGetOpenOrders CommandType = "GET_OPEN_ORDERS"
	CmdGetDepth      CommandType = "GET_DEPTH"
	CmdOnRamp        CommandType = "ON_RAMP"
	CmdEnsureUser    CommandType = "ENSURE_USER"
)

// Command is the inbound envelope. Replies are published on ClientID.
type Command struct {
	ClientID string  `json:"clientId"`
	Message  Message `json:"message"`
}

// Message carries the command type and its raw payload.
type Message struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeCommand parses and shape-checks an inbound command.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	switch cmd.Message.Type {
	case CmdCreateOrder, CmdCancelOrder, CmdGetOpenOrders, CmdGetDepth, CmdOnRamp, CmdEnsureUser:
	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Message.Type)
	}
	return cmd, nil
}

// NewCommand builds a command envelope around a typed payload.
func NewCommand(clientID string, typ CommandType, data any) (Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return Command{ClientID: clientID, Message: Message{Type: typ, Data: raw}}, nil
}

type CreateOrderData struct {
	Market   string          `json:"market"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
	UserID   string          `json:"userId"`
}

type CancelOrderData struct {
	OrderID string `json:"orderId"`
	Market  string `json:"market"`
	UserID  string `json:"userId,omitempty"`
}

type OpenOrdersData struct {
	UserID string `json:"userId"`
	Market string `json:"market"`
}

type DepthData struct {
	Market string `json:"market"`
}

type OnRampData struct {
	UserID string          `json:"userId"`
	Asset  string          `json:"asset,omitempty"`
	Amount decimal.Decimal `json:"amount"`
	TxnID  string          `json:"txnId"`
}

type EnsureUserData struct {
	UserID   string             `json:"userId"`
	Balances map[string]Balance `json:"balances"`
}

// ReplyType labels a reply payload.
type ReplyType string

const (
	ReplyOrderPlaced    ReplyType = "ORDER_PLACED"
	ReplyOrderCancelled ReplyType = "ORDER_CANCELLED"
	ReplyOpenOrders     ReplyType = "OPEN_ORDERS"
	ReplyDepth          ReplyType = "DEPTH"
	ReplyBalance        ReplyType = "BALANCE"
	ReplyUserEnsured    ReplyType = "USER_ENSURED"
)

// Reply is published to the caller's channel once a command completes.
type Reply struct {
	Type    ReplyType `json:"type"`
	Payload any       `json:"payload"`
}

// OrderReply answers CREATE_ORDER.
type OrderReply struct {
	OrderID     string          `json:"orderId"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	Fills       []Fill          `json:"fills"`
}

// CancelReply answers CANCEL_ORDER.
type CancelReply struct {
	OrderID      string          `json:"orderId"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
}

// FailureReply is the payload of any failed order command.
type FailureReply struct {
	OrderID      string          `json:"orderId"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	RemainingQty decimal.Decimal `json:"remainingQty"`
	Error        string          `json:"error"`
}

// BalanceReply answers ON_RAMP.
type BalanceReply struct {
	UserID  string  `json:"userId"`
	Asset   string  `json:"asset"`
	Balance Balance `json:"balance"`
}

// EnsureUserReply answers ENSURE_USER.
type EnsureUserReply struct {
	UserID     string             `json:"userId"`
	Reconciled bool               `json:"reconciled"`
	Balances   map[string]Balance `json:"balances"`
}
