package app

import (
	"time"

	"futuresRiskBot/internal/domain"
)

// EventType names an engine event.
type EventType string

const (
	EventPositionOpened      EventType = "POSITION_OPENED"
	EventPositionClosed      EventType = "POSITION_CLOSED"
	EventOpportunityRejected EventType = "OPPORTUNITY_REJECTED"
	EventOpportunityError    EventType = "OPPORTUNITY_ERROR"
	EventExitOrdersPlaced    EventType = "EXIT_ORDERS_PLACED"
)

// Event is published on the channel returned by TradingService.Events.
// Only the fields relevant to Type are set.
type Event struct {
	Type        EventType
	Time        time.Time
	Symbol      string
	Opportunity *domain.Opportunity
	Position    *domain.Position
	Reason      string // rejection reason
	Err         error  // OPPORTUNITY_ERROR cause
	Placed      int    // EXIT_ORDERS_PLACED
	Failed      int    // EXIT_ORDERS_PLACED
}

// Rejection reasons decided by the service. Cap rejections use the lifecycle reasons.
const (
	ReasonInvalidOpportunity  = "INVALID_OPPORTUNITY"
	ReasonScoreBelowMinimum   = "SCORE_BELOW_MINIMUM"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonNoPositiveSize      = "NO_POSITIVE_SIZE"
	ReasonSizeTooSmall        = "SIZE_TOO_SMALL"
)
