package core

import (
	"context"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

type pendingSend struct {
	msg  *store.Message
	done func(*store.Message, error)
}

// senderQueue persists one sender's messages strictly one after another so that their
// confirmations are broadcast in send order.
type senderQueue struct {
	jobs    []pendingSend
	running bool
}

type sendQueues struct {
	byUser map[int64]*senderQueue
}

func newSendQueues() *sendQueues {
	return &sendQueues{byUser: make(map[int64]*senderQueue)}
}

// Len returns the number of senders with work in flight.
func (q *sendQueues) Len() int {
	return len(q.byUser)
}

func (h *Hub) enqueueSend(userID int64, msg *store.Message, done func(*store.Message, error)) {
	q, ok := h.queues.byUser[userID]
	if !ok {
		q = &senderQueue{}
		h.queues.byUser[userID] = q
	}
	q.jobs = append(q.jobs, pendingSend{msg: msg, done: done})
	if !q.running {
		h.runNextSend(userID, q)
	}
}

func (h *Hub) runNextSend(userID int64, q *senderQueue) {
	if len(q.jobs) == 0 {
		q.running = false
		delete(h.queues.byUser, userID)
		return
	}

	job := q.jobs[0]
	q.jobs[0] = pendingSend{}
	q.jobs = q.jobs[1:]
	q.running = true

	runAsync(h, func(ctx context.Context) (*store.Message, error) {
		return h.persist(ctx, job.msg)
	}, func(saved *store.Message, err error) {
		job.done(saved, err)
		h.runNextSend(userID, q)
	})
}
