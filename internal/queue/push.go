package queue

import "time"

const (
	pushPollInterval   = 200 * time.Millisecond
	retrySweepInterval = 1 * time.Second
)

// Register attaches a push-delivery handler for recipient. Once set, a
// cooperative delivery loop invokes the handler as messages arrive rather
// than requiring the recipient to poll.
func (q *Queue) Register(recipient string, handler Handler) {
	q.mu.Lock()
	q.handlers[recipient] = handler
	q.mu.Unlock()
}

// Deregister removes a previously registered push handler.
func (q *Queue) Deregister(recipient string) {
	q.mu.Lock()
	delete(q.handlers, recipient)
	q.mu.Unlock()
}

// Run drives the queue's background loops: retry sweeping and, for any
// recipient with a registered push handler, cooperative delivery. It starts
// them in a goroutine and returns at once; Stop halts them.
func (q *Queue) Run() {
	q.stopPush = make(chan struct{})
	q.pushWG.Add(1)
	go q.runLoop()
}

// Stop halts the background loops started by Run and waits for them to exit.
func (q *Queue) Stop() {
	if q.stopPush == nil {
		return
	}
	close(q.stopPush)
	q.pushWG.Wait()
}

func (q *Queue) runLoop() {
	defer q.pushWG.Done()
	retryTicker := time.NewTicker(retrySweepInterval)
	pushTicker := time.NewTicker(pushPollInterval)
	defer retryTicker.Stop()
	defer pushTicker.Stop()

	for {
		select {
		case <-q.stopPush:
			return
		case <-retryTicker.C:
			q.SweepRetries()
		case <-pushTicker.C:
			q.deliverToPushHandlers()
		}
	}
}

func (q *Queue) deliverToPushHandlers() {
	q.mu.Lock()
	recipients := make([]string, 0, len(q.handlers))
	for r := range q.handlers {
		recipients = append(recipients, r)
	}
	q.mu.Unlock()

	for _, recipient := range recipients {
		q.mu.Lock()
		handler, ok := q.handlers[recipient]
		q.mu.Unlock()
		if !ok {
			continue
		}
		for _, m := range q.Poll(recipient, 1) {
			if err := handler(m); err != nil {
				_ = q.Nack(m.ID)
				continue
			}
			_ = q.Ack(m.ID, recipient)
		}
	}
}
