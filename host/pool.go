package host

import (
	"sync"

	"github.com/muhtutorials/abstracttun/device"
)

// WaitPool is a sync.Pool that blocks Get once max items are out.
// A max of zero disables the limit.
type WaitPool struct {
	pool  sync.Pool
	cond  sync.Cond
	mu    sync.Mutex
	count uint32 // items currently taken
	max   uint32
}

func NewWaitPool(max uint32, new func() any) *WaitPool {
	p := &WaitPool{pool: sync.Pool{New: new}, max: max}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

func (p *WaitPool) Get() any {
	if p.max != 0 {
		p.mu.Lock()
		for p.count >= p.max {
			p.cond.Wait()
		}
		p.count++
		p.mu.Unlock()
	}
	return p.pool.Get()
}

func (p *WaitPool) Put(x any) {
	p.pool.Put(x)
	if p.max == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count--
	p.cond.Signal()
}

type buffer = [device.MaxMessageSize]byte

func newBufferPool(max uint32) *WaitPool {
	return NewWaitPool(max, func() any {
		return new(buffer)
	})
}
