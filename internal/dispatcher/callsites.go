package dispatcher

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCallsites bounds the launches waiting for their kernel record.
const DefaultCallsites = 4096

// Callsites remembers the callsite of each kernel launch by correlation id
// until the kernel record is written. The oldest launches are evicted first.
type Callsites struct {
	cache *lru.Cache[uint32, uint32]
}

func NewCallsites(size int) (*Callsites, error) {
	if size <= 0 {
		size = DefaultCallsites
	}
	cache, err := lru.New[uint32, uint32](size)
	if err != nil {
		return nil, err
	}
	return &Callsites{cache: cache}, nil
}

func (c *Callsites) Put(correlationID, callsite uint32) {
	c.cache.Add(correlationID, callsite)
}

// Take returns and forgets the callsite of a launch.
func (c *Callsites) Take(correlationID uint32) (uint32, bool) {
	id, ok := c.cache.Peek(correlationID)
	if ok {
		c.cache.Remove(correlationID)
	}
	return id, ok
}

func (c *Callsites) Len() int { return c.cache.Len() }
