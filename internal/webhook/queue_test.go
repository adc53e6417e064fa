package webhook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChatQueueSerializesSameChat(t *testing.T) {
	q := newChatQueue(nil)
	var mu sync.Mutex
	var order []int
	var dones []<-chan struct{}

	for i := 0; i < 5; i++ {
		i := i
		dones = append(dones, q.Run("oc_1", func() {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	for _, d := range dones {
		<-d
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestChatQueueRunsDifferentChatsConcurrently(t *testing.T) {
	q := newChatQueue(nil)
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	d1 := q.Run("oc_1", func() {
		started <- struct{}{}
		<-release
	})
	d2 := q.Run("oc_2", func() {
		started <- struct{}{}
		<-release
	})

	<-started
	<-started // both started without waiting on each other
	close(release)
	<-d1
	<-d2
}

type fakeWebhookMetrics struct {
	mu     sync.Mutex
	depths map[string]int
}

func (f *fakeWebhookMetrics) QueueDepth(chatID string, depth int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.depths == nil {
		f.depths = map[string]int{}
	}
	f.depths[chatID] = depth
}
func (f *fakeWebhookMetrics) SignatureRejected()  {}
func (f *fakeWebhookMetrics) EventIgnored(string) {}

func TestChatQueueReportsDepth(t *testing.T) {
	m := &fakeWebhookMetrics{}
	q := newChatQueue(m)
	block := make(chan struct{})
	d := q.Run("oc_1", func() { <-block })
	close(block)
	<-d

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 0, m.depths["oc_1"])
}
