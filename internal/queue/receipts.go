package queue

import "time"

// maxReceipts bounds the per-recipient delivery-receipt ring buffer so a
// chatty recipient can't grow memory unboundedly; the oldest receipt is
// evicted once the buffer is full.
const maxReceipts = 10000

// DeliveryReceipt records that a message was acknowledged by its recipient,
// supplementing Stats with a queryable per-recipient delivery history.
type DeliveryReceipt struct {
	MessageID   string
	Recipient   string
	DeliveredAt time.Time
	Payload     []byte
}

// recordReceipt appends a receipt to recipient's ring buffer, evicting the
// oldest entry once maxReceipts is reached. Callers must hold q.mu.
func (q *Queue) recordReceipt(recipient string, r DeliveryReceipt) {
	if q.receipts == nil {
		q.receipts = make(map[string][]DeliveryReceipt)
	}
	buf := q.receipts[recipient]
	if len(buf) >= maxReceipts {
		buf = buf[1:]
	}
	q.receipts[recipient] = append(buf, r)
}

// Receipts returns recipient's delivery-receipt history, oldest first, up to
// maxReceipts entries.
func (q *Queue) Receipts(recipient string) []DeliveryReceipt {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf := q.receipts[recipient]
	out := make([]DeliveryReceipt, len(buf))
	copy(out, buf)
	return out
}
