package quota

import (
	"errors"
	"fmt"

	"github.com/HanTheDev/welfare-ai-gateway/internal/models"
)

// ErrLedgerUnavailable is returned when the usage store could not be read or
// written and the ledger is configured to fail closed.
var ErrLedgerUnavailable = errors.New("quota ledger unavailable")

type Reason string

const (
	ReasonDailyLimit   Reason = "DAILY_LIMIT_REACHED"
	ReasonMonthlyLimit Reason = "MONTHLY_LIMIT_REACHED"
	ReasonRateLimit    Reason = "RATE_LIMIT_EXCEEDED"
)

func reasonFor(kind models.UsageKind) Reason {
	switch kind {
	case models.UsageAnonymous:
		return ReasonDailyLimit
	case models.UsageMonthly:
		return ReasonMonthlyLimit
	default:
		return ReasonRateLimit
	}
}

// ExceededError reports which bucket denied the request. The UI uses Reason
// to choose between prompting a login, an upgrade, or a wait.
type ExceededError struct {
	Reason Reason
	Usage  Usage
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s (%d/%d, resets %s)",
		e.Reason, e.Usage.Used, e.Usage.Limit, e.Usage.ResetsAt.Format("2006-01-02T15:04:05Z07:00"))
}
