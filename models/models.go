package models

import (
	"strconv"

	"lantern-payments/ecpay"
)

// LineItem is one lantern offering in a checkout
type LineItem struct {
	Name      string `json:"name" binding:"required,max=100"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	UnitPrice int    `json:"unit_price" binding:"required,min=1"`
}

// CheckoutRequest represents a request to start paying for a platform order
type CheckoutRequest struct {
	OrderID       string     `json:"order_id" binding:"required,max=50"`
	Items         []LineItem `json:"items" binding:"required,min=1,dive"`
	TradeDesc     string     `json:"trade_desc" binding:"max=200"`
	ChoosePayment string     `json:"choose_payment" binding:"omitempty,oneof=ALL Credit WebATM ATM CVS BARCODE"`
}

// CheckoutResponse carries the signed form the browser posts to the gateway
type CheckoutResponse struct {
	Action          string            `json:"action"`
	MerchantTradeNo string            `json:"merchant_trade_no"`
	TotalAmount     int               `json:"total_amount"`
	Fields          map[string]string `json:"fields"`
}

// CallbackNotification is the typed view of a gateway payment notification
type CallbackNotification struct {
	MerchantID      string
	MerchantTradeNo string
	RtnCode         string
	RtnMsg          string
	TradeNo         string
	TradeAmt        string
	PaymentDate     string
	PaymentType     string
	ChargeFee       string
	TradeDate       string
	SimulatePaid    string
	CustomField1    string
}

// NotificationFromFields maps callback form fields onto a CallbackNotification
func NotificationFromFields(fields map[string]string) CallbackNotification {
	return CallbackNotification{
		MerchantID:      fields[ecpay.FieldMerchantID],
		MerchantTradeNo: fields[ecpay.FieldMerchantTradeNo],
		RtnCode:         fields[ecpay.FieldRtnCode],
		RtnMsg:          fields[ecpay.FieldRtnMsg],
		TradeNo:         fields[ecpay.FieldTradeNo],
		TradeAmt:        fields[ecpay.FieldTradeAmt],
		PaymentDate:     fields[ecpay.FieldPaymentDate],
		PaymentType:     fields[ecpay.FieldPaymentType],
		ChargeFee:       fields["PaymentTypeChargeFee"],
		TradeDate:       fields["TradeDate"],
		SimulatePaid:    fields["SimulatePaid"],
		CustomField1:    fields[ecpay.FieldCustomField1],
	}
}

// Succeeded reports whether the gateway says the trade was paid
func (n CallbackNotification) Succeeded() bool {
	return n.RtnCode == ecpay.ReturnCodeSuccess
}

// Amount returns TradeAmt as whole currency units
func (n CallbackNotification) Amount() (int, error) {
	return strconv.Atoi(n.TradeAmt)
}

// TradeInfo is the gateway's current view of a trade
type TradeInfo struct {
	MerchantTradeNo string `json:"merchant_trade_no"`
	TradeNo         string `json:"trade_no"`
	TradeAmt        string `json:"trade_amt"`
	TradeStatus     string `json:"trade_status"`
	PaymentDate     string `json:"payment_date"`
	PaymentType     string `json:"payment_type"`
	HandlingCharge  string `json:"handling_charge"`
	CustomField1    string `json:"custom_field1"`
}

// TradeInfoFromFields maps a QueryTradeInfo response onto a TradeInfo
func TradeInfoFromFields(fields map[string]string) TradeInfo {
	return TradeInfo{
		MerchantTradeNo: fields[ecpay.FieldMerchantTradeNo],
		TradeNo:         fields[ecpay.FieldTradeNo],
		TradeAmt:        fields[ecpay.FieldTradeAmt],
		TradeStatus:     fields["TradeStatus"],
		PaymentDate:     fields[ecpay.FieldPaymentDate],
		PaymentType:     fields[ecpay.FieldPaymentType],
		HandlingCharge:  fields["HandlingCharge"],
		CustomField1:    fields[ecpay.FieldCustomField1],
	}
}

// Paid reports whether TradeStatus marks the trade as paid
func (t TradeInfo) Paid() bool {
	return t.TradeStatus == "1"
}
