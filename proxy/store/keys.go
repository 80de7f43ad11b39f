package store

// Redis key layout. Everything lives under the "silt:" namespace so a
// shared Redis can host other tenants without collisions.
//
//	silt:request:{key}   hash: one RequestRecord
//	silt:batch:{id}      string: one BatchRecord (JSON)
//	silt:pending         list: keys currently queued, in arrival order
//	silt:active_batches  set: non-terminal batch ids
//	silt:archive         list: terminal keys awaiting archive flush
//	silt:wake:{key}      pub/sub channel, one message per terminal write

const (
	PendingKey       = "silt:pending"
	ActiveBatchesKey = "silt:active_batches"
	ArchiveQueueKey  = "silt:archive"
)

// RequestKey returns the hash key holding the record for an idempotency key.
func RequestKey(key string) string {
	return "silt:request:" + key
}

// BatchKey returns the key holding a BatchRecord.
func BatchKey(batchID string) string {
	return "silt:batch:" + batchID
}

// WakeChannel returns the pub/sub channel name for a request key.
func WakeChannel(key string) string {
	return "silt:wake:" + key
}
