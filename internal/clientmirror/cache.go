package clientmirror

import (
	"sync"

	"github.com/clasp-systems/clasp/internal/codec"
	"github.com/clasp-systems/clasp/internal/value"
)

// cachedParam is one entry in the Client's local mirror of server state
// (§4.9 "params: address → Value cache").
type cachedParam struct {
	Value     value.Value
	Revision  uint64
	Timestamp uint64
}

// paramCache is the Client's read-through mirror, updated from every SET
// and SNAPSHOT frame the server sends.
type paramCache struct {
	mu     sync.RWMutex
	params map[string]cachedParam
}

func newParamCache() *paramCache {
	return &paramCache{params: make(map[string]cachedParam)}
}

func (c *paramCache) get(addr string) (cachedParam, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.params[addr]
	return p, ok
}

func (c *paramCache) setFromSet(addr string, v value.Value, revision uint64) {
	c.mu.Lock()
	c.params[addr] = cachedParam{Value: v, Revision: revision}
	c.mu.Unlock()
}

func (c *paramCache) setFromParamValue(pv codec.ParamValue) {
	c.mu.Lock()
	c.params[pv.Address] = cachedParam{Value: pv.Value, Revision: pv.Revision, Timestamp: pv.Timestamp}
	c.mu.Unlock()
}

func (c *paramCache) snapshot() map[string]cachedParam {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]cachedParam, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}
