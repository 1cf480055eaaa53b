package ecpay

// Field names used on the wire.
const (
	FieldMerchantID        = "MerchantID"
	FieldMerchantTradeNo   = "MerchantTradeNo"
	FieldMerchantTradeDate = "MerchantTradeDate"
	FieldPaymentType       = "PaymentType"
	FieldTotalAmount       = "TotalAmount"
	FieldTradeDesc         = "TradeDesc"
	FieldItemName          = "ItemName"
	FieldReturnURL         = "ReturnURL"
	FieldClientBackURL     = "ClientBackURL"
	FieldChoosePayment     = "ChoosePayment"
	FieldEncryptType       = "EncryptType"
	FieldCustomField1      = "CustomField1"
	FieldCheckMacValue     = "CheckMacValue"

	FieldRtnCode     = "RtnCode"
	FieldRtnMsg      = "RtnMsg"
	FieldTradeNo     = "TradeNo"
	FieldTradeAmt    = "TradeAmt"
	FieldPaymentDate = "PaymentDate"
	FieldTimeStamp   = "TimeStamp"
)

// PaymentTypeAIO is the fixed PaymentType of the all-in-one checkout.
const PaymentTypeAIO = "aio"

// ReturnCodeSuccess is the RtnCode of a paid trade.
const ReturnCodeSuccess = "1"

// ItemSeparator joins line items in ItemName.
const ItemSeparator = "#"

// Callback acknowledgement bodies. The gateway retries delivery based on these
// literals, not on the HTTP status.
const (
	AckOK            = "1|OK"
	AckSignatureFail = "0|CheckMacValue Fail"
	AckError         = "0|Error"
)
