package pricing

import (
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var million = decimal.NewFromInt(1_000_000)

// Calculator 成本计算器
// cost = (in/1M)*input_price + (out/1M)*output_price
type Calculator struct {
	store *PriceStore
}

func NewCalculator(store *PriceStore) *Calculator {
	return &Calculator{store: store}
}

// Price 计算单个模型一段用量的成本（USD）
func (c *Calculator) Price(model string, inputTokens, outputTokens int64) decimal.Decimal {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}

	entry, found := c.store.Lookup(model)
	if !found {
		log.Debugf("pricing: no price for model %s", model)
		return decimal.Zero
	}

	in := decimal.NewFromInt(inputTokens).Div(million).Mul(decimal.NewFromFloat(entry.Input))
	out := decimal.NewFromInt(outputTokens).Div(million).Mul(decimal.NewFromFloat(entry.Output))
	return in.Add(out)
}
