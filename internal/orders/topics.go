package orders

const (
	TopicOrderStatusChanged = "order.status.changed"
	TopicReleaseFailed      = "order.release.failed"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
