package domain

import (
	"fmt"
	"math"
)

// Margin is the markup applied to vendor cost when billing users.
const Margin = 0.10

// unitsPerUSD: one unit is a thousandth of a cent.
const unitsPerUSD = 100_000

// Cost pairs what an operation cost the operator with what it is billed at.
type Cost struct {
	Real int64 `json:"realCost"`
	User int64 `json:"userCost"`
}

// MinToolCost is charged for tool calls that have no measurable vendor cost.
var MinToolCost = Cost{Real: 0, User: 100}

// CostFromUSD converts a vendor price in dollars, applying Margin to the user side.
func CostFromUSD(usd float64) Cost {
	return Cost{
		Real: int64(math.Round(usd * unitsPerUSD)),
		User: int64(math.Ceil(usd * unitsPerUSD * (1 + Margin))),
	}
}

func (c Cost) Add(o Cost) Cost { return Cost{Real: c.Real + o.Real, User: c.User + o.User} }
func (c Cost) Sub(o Cost) Cost { return Cost{Real: c.Real - o.Real, User: c.User - o.User} }

func (c Cost) String() string {
	return fmt.Sprintf("$%.5f real / $%.5f user", float64(c.Real)/unitsPerUSD, float64(c.User)/unitsPerUSD)
}
