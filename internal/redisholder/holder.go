package redisholder

import (
	"errors"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Holder lets the health loop replace a broken client while the broker and
// cache keep calling Get.
type Holder struct {
	v atomic.Value // redis.UniversalClient
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.v.Store(initial)
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	c, _ := h.v.Load().(redis.UniversalClient)
	return c
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	old, _ = h.v.Load().(redis.UniversalClient)
	h.v.Store(newc)
	return old
}

// Close may run twice, from the health loop and from shutdown.
func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		if err := c.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
