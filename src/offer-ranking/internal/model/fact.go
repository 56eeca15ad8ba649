package model

import "time"

type FactKind string

const (
	FactOrderCompleted    FactKind = "ORDER_COMPLETED"
	FactOrderCancelled    FactKind = "ORDER_CANCELLED"
	FactOrderDefect       FactKind = "ORDER_DEFECT"
	FactShipment          FactKind = "SHIPMENT"
	FactDeliveryConfirmed FactKind = "DELIVERY_CONFIRMED"
)

func (k FactKind) Valid() bool {
	switch k {
	case FactOrderCompleted, FactOrderCancelled, FactOrderDefect, FactShipment, FactDeliveryConfirmed:
		return true
	}
	return false
}

// BehavioralFact is one raw, seller-tagged event from the order/fulfillment
// subsystem. IdempotencyKey makes redelivery a no-op.
type BehavioralFact struct {
	IdempotencyKey string    `json:"idempotency_key" bson:"_id"`
	SellerID       string    `json:"seller_id" bson:"seller_id"`
	OrderID        string    `json:"order_id" bson:"order_id"`
	Kind           FactKind  `json:"kind" bson:"kind"`
	OccurredAt     time.Time `json:"occurred_at" bson:"occurred_at"`

	// Shipment facts.
	Late          bool `json:"late,omitempty" bson:"late,omitempty"`
	TrackingValid bool `json:"tracking_valid,omitempty" bson:"tracking_valid,omitempty"`
	// Delivery facts.
	OnTime bool `json:"on_time,omitempty" bson:"on_time,omitempty"`

	ReceivedAt time.Time `json:"received_at" bson:"received_at"`
}
