package ecpay

import (
	"strconv"
	"strings"
	"time"
)

// TradeDateLayout is the only MerchantTradeDate shape the gateway accepts.
const TradeDateLayout = "2006/01/02 15:04:05"

const (
	tradeRefPrefix     = "TL"
	tradeRefTimeDigits = 10
	tradeRefRandLen    = 6
	tradeRefAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// MaxTradeNoLen is the gateway limit for MerchantTradeNo.
	MaxTradeNoLen = 20
)

// RandomSource is satisfied by *math/rand.Rand.
type RandomSource interface {
	Intn(n int) int
}

// BuildTradeDate formats now in loc as MerchantTradeDate. A nil loc means time.Local.
func BuildTradeDate(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(TradeDateLayout)
}

// BuildTradeReference returns a best-effort unique MerchantTradeNo: a prefix, the
// low-order digits of the epoch millisecond clock and a random suffix.
// Uniqueness must still be enforced where the reference is stored.
func BuildTradeReference(now time.Time, rnd RandomSource) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > tradeRefTimeDigits {
		ms = ms[len(ms)-tradeRefTimeDigits:]
	} else if len(ms) < tradeRefTimeDigits {
		ms = strings.Repeat("0", tradeRefTimeDigits-len(ms)) + ms
	}

	var sb strings.Builder
	sb.Grow(len(tradeRefPrefix) + tradeRefTimeDigits + tradeRefRandLen)
	sb.WriteString(tradeRefPrefix)
	sb.WriteString(ms)
	for i := 0; i < tradeRefRandLen; i++ {
		sb.WriteByte(tradeRefAlphabet[rnd.Intn(len(tradeRefAlphabet))])
	}
	return strings.ToUpper(sb.String())
}
