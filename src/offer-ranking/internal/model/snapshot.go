package model

import "time"

// MetricSnapshot is an append-only record of a seller's rolling-window
// behavioral statistics. A nil rate means the denominator was zero.
type MetricSnapshot struct {
	ID          string    `json:"snapshot_id" bson:"_id"`
	SellerID    string    `json:"seller_id" bson:"seller_id"`
	WindowStart time.Time `json:"window_start" bson:"window_start"`
	WindowEnd   time.Time `json:"window_end" bson:"window_end"`

	OrderDefectRate    *float64 `json:"order_defect_rate" bson:"order_defect_rate"`
	LateShipmentRate   *float64 `json:"late_shipment_rate" bson:"late_shipment_rate"`
	CancellationRate   *float64 `json:"cancellation_rate" bson:"cancellation_rate"`
	ValidTrackingRate  *float64 `json:"valid_tracking_rate" bson:"valid_tracking_rate"`
	OnTimeDeliveryRate *float64 `json:"on_time_delivery_rate" bson:"on_time_delivery_rate"`

	CompletedOrders int `json:"completed_orders" bson:"completed_orders"`
	CancelledOrders int `json:"cancelled_orders" bson:"cancelled_orders"`
	DefectOrders    int `json:"defect_orders" bson:"defect_orders"`
	Shipments       int `json:"shipments" bson:"shipments"`
	Deliveries      int `json:"deliveries" bson:"deliveries"`

	ComputedAt time.Time `json:"computed_at" bson:"computed_at"`
}

// Orders is the number of distinct orders seen in the window.
func (s MetricSnapshot) Orders() int {
	return s.CompletedOrders + s.CancelledOrders
}

// Rate returns a pointer to v, for building snapshots in code and tests.
func Rate(v float64) *float64 {
	return &v
}
