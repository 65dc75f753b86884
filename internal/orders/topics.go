package orders

const (
	TopicOrderCreated  = "order.created"
	TopicOrderStatus   = "order.status"
	TopicInvoiceStatus = "invoice.status"
)

// Partition key = order_id, supaya semua event 1 order maintain urutan.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
