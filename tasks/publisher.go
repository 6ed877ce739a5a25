package tasks

import "sync"

// Publisher fans task lifecycle notifications out to whoever is listening:
// the push transport's SSE subscribers in server mode, a broker subject in
// distributed mode. Delivery is best effort; a lost event never fails the
// task that emitted it.
type Publisher interface {
	Publish(method string, params interface{}) error
}

// NotificationFunc receives one published notification.
type NotificationFunc func(method string, params interface{})

// LocalPublisher fans events out to in-process subscribers. It backs
// single-process mode, where the worker and the push transport share an
// address space.
type LocalPublisher struct {
	mu   sync.Mutex
	subs []NotificationFunc
}

// NewLocalPublisher creates a publisher with no subscribers.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{}
}

// Subscribe registers fn for every future notification.
func (p *LocalPublisher) Subscribe(fn NotificationFunc) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

func (p *LocalPublisher) Publish(method string, params interface{}) error {
	p.mu.Lock()
	subs := make([]NotificationFunc, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(method, params)
	}
	return nil
}

// NopPublisher discards all notifications.
type NopPublisher struct{}

func (NopPublisher) Publish(string, interface{}) error { return nil }
