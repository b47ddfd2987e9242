package stock

import "time"

// Snapshot is the live view of one product's stock pushed to subscribers.
type Snapshot struct {
	ProductID string    `json:"product_id"`
	Stock     Record    `json:"stock"`
	Total     int       `json:"total"`
	At        time.Time `json:"at"`
}

func NewSnapshot(productID string, r Record, at time.Time) Snapshot {
	return Snapshot{ProductID: productID, Stock: r.Clone(), Total: r.Total(), At: at}
}
