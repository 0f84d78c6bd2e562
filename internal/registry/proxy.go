package registry

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Proxy is a stable handle in front of a swappable implementation. Storage
// never lives in the implementation, so swapping loses nothing.
type Proxy struct {
	mu       sync.RWMutex
	address  common.Address
	admin    common.Address
	implAddr common.Address
	impl     Initializable
	version  uint64
}

func newProxy(address, admin, implAddr common.Address, impl Initializable) *Proxy {
	return &Proxy{
		address:  address,
		admin:    admin,
		implAddr: implAddr,
		impl:     impl,
		version:  1,
	}
}

// Address is fixed for the proxy's lifetime.
func (p *Proxy) Address() common.Address { return p.address }

// Admin is the provider that may upgrade the proxy.
func (p *Proxy) Admin() common.Address { return p.admin }

func (p *Proxy) Implementation() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.implAddr
}

func (p *Proxy) Target() Initializable {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.impl
}

// Version counts installed implementations, starting at 1.
func (p *Proxy) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Proxy) upgradeTo(implAddr common.Address, impl Initializable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.implAddr = implAddr
	p.impl = impl
	p.version++
}
