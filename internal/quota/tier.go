package quota

import (
	"strings"
	"unicode"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
)

// Policy holds the limits applied to each bucket kind.
type Policy struct {
	AnonDailyLimit int
	MonthlyLimits  map[Tier]int
	ProHourlyLimit int

	// Billing product ids that map to a paid tier. When a product id is not
	// listed, a "basic" or "pro" token inside it decides the tier.
	BasicProductIDs []string
	ProProductIDs   []string
}

func DefaultPolicy() Policy {
	return Policy{
		AnonDailyLimit: 10,
		MonthlyLimits: map[Tier]int{
			TierFree:  10,
			TierBasic: 200,
			TierPro:   1000,
		},
		ProHourlyLimit: 100,
	}
}

// ResolveTier maps a subscription onto a tier. A nil, inactive or
// unrecognised subscription is free.
func (p Policy) ResolveTier(sub *models.Subscription) Tier {
	if sub == nil || !sub.Active() {
		return TierFree
	}

	id := strings.TrimSpace(sub.ProductID)
	if contains(p.ProProductIDs, id) {
		return TierPro
	}
	if contains(p.BasicProductIDs, id) {
		return TierBasic
	}

	for _, tok := range strings.FieldsFunc(strings.ToLower(id), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		switch tok {
		case "pro":
			return TierPro
		case "basic":
			return TierBasic
		}
	}
	return TierFree
}

func (p Policy) MonthlyLimit(t Tier) int {
	if limit, ok := p.MonthlyLimits[t]; ok {
		return limit
	}
	return p.MonthlyLimits[TierFree]
}

func contains(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
