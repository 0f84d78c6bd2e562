// Package registry resolves the addresses of the lending market's
// components and hosts the upgrade proxy of the core.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"LendLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key names a registered component.
type Key string

const (
	LendingPool                   Key = "LENDING_POOL"
	LendingPoolCore               Key = "LENDING_POOL_CORE"
	LendingPoolConfigurator       Key = "LENDING_POOL_CONFIGURATOR"
	LendingPoolManager            Key = "LENDING_POOL_MANAGER"
	PriceOracle                   Key = "PRICE_ORACLE"
	LendingRateOracle             Key = "LENDING_RATE_ORACLE"
	FeeProvider                   Key = "FEE_PROVIDER"
	LendingPoolLiquidationManager Key = "LIQUIDITY_MANAGER"
)

// Keys lists every known key in display order.
var Keys = []Key{
	LendingPool,
	LendingPoolCore,
	LendingPoolConfigurator,
	LendingPoolManager,
	PriceOracle,
	LendingRateOracle,
	FeeProvider,
	LendingPoolLiquidationManager,
}

// Initializable is an implementation that can sit behind a proxy. Initialize
// runs exactly once per instance.
type Initializable interface {
	Initialize(p *AddressesProvider) error
}

// AddressesProvider is the single source of truth for component addresses.
// Setters are owner-gated; getters are open.
type AddressesProvider struct {
	mu        sync.RWMutex
	upgradeMu sync.Mutex // serializes implementation swaps

	address   common.Address
	owner     common.Address
	addresses map[Key]common.Address
	proxies   map[Key]*Proxy
	nonce     uint64
}

// NewAddressesProvider deploys a provider owned by owner. The provider's own
// address is derived from the owner at nonce 0.
func NewAddressesProvider(owner common.Address) *AddressesProvider {
	return &AddressesProvider{
		address:   crypto.CreateAddress(owner, 0),
		owner:     owner,
		addresses: make(map[Key]common.Address),
		proxies:   make(map[Key]*Proxy),
		nonce:     1,
	}
}

// Address returns the provider's own address.
func (p *AddressesProvider) Address() common.Address {
	return p.address
}

func (p *AddressesProvider) Owner() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner
}

// TransferOwnership hands the provider to newOwner.
func (p *AddressesProvider) TransferOwnership(caller, newOwner common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner {
		return errs.ErrUnauthorized
	}
	if newOwner == (common.Address{}) {
		return fmt.Errorf("transfer ownership: %w: zero address", errs.ErrInvalidAmount)
	}
	p.owner = newOwner
	return nil
}

// GetAddress returns the address registered under key, or the zero address.
// For proxied keys this is the current implementation.
func (p *AddressesProvider) GetAddress(key Key) common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if proxy, ok := p.proxies[key]; ok {
		return proxy.Implementation()
	}
	return p.addresses[key]
}

// SetAddress registers addr under key.
func (p *AddressesProvider) SetAddress(caller common.Address, key Key, addr common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner {
		return errs.ErrUnauthorized
	}
	if _, proxied := p.proxies[key]; proxied {
		return fmt.Errorf("set %s: key is proxied", key)
	}
	p.addresses[key] = addr
	return nil
}

// Snapshot returns every registered key and its resolved address.
func (p *AddressesProvider) Snapshot() map[Key]common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[Key]common.Address, len(p.addresses)+len(p.proxies))
	for k, v := range p.addresses {
		out[k] = v
	}
	for k, proxy := range p.proxies {
		out[k] = proxy.Implementation()
	}
	return out
}

// SortedKeys returns the keys present in m in lexical order.
func SortedKeys(m map[Key]common.Address) []Key {
	keys := make([]Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (p *AddressesProvider) GetLendingPool() common.Address {
	return p.GetAddress(LendingPool)
}

func (p *AddressesProvider) SetLendingPool(caller, addr common.Address) error {
	return p.SetAddress(caller, LendingPool, addr)
}

func (p *AddressesProvider) GetLendingPoolConfigurator() common.Address {
	return p.GetAddress(LendingPoolConfigurator)
}

func (p *AddressesProvider) SetLendingPoolConfigurator(caller, addr common.Address) error {
	return p.SetAddress(caller, LendingPoolConfigurator, addr)
}

func (p *AddressesProvider) GetLendingPoolManager() common.Address {
	return p.GetAddress(LendingPoolManager)
}

func (p *AddressesProvider) SetLendingPoolManager(caller, addr common.Address) error {
	return p.SetAddress(caller, LendingPoolManager, addr)
}

func (p *AddressesProvider) GetPriceOracle() common.Address {
	return p.GetAddress(PriceOracle)
}

func (p *AddressesProvider) SetPriceOracle(caller, addr common.Address) error {
	return p.SetAddress(caller, PriceOracle, addr)
}

func (p *AddressesProvider) GetLendingRateOracle() common.Address {
	return p.GetAddress(LendingRateOracle)
}

func (p *AddressesProvider) SetLendingRateOracle(caller, addr common.Address) error {
	return p.SetAddress(caller, LendingRateOracle, addr)
}

func (p *AddressesProvider) GetFeeProvider() common.Address {
	return p.GetAddress(FeeProvider)
}

func (p *AddressesProvider) SetFeeProvider(caller, addr common.Address) error {
	return p.SetAddress(caller, FeeProvider, addr)
}

func (p *AddressesProvider) GetLendingPoolLiquidationManager() common.Address {
	return p.GetAddress(LendingPoolLiquidationManager)
}

func (p *AddressesProvider) SetLendingPoolLiquidationManager(caller, addr common.Address) error {
	return p.SetAddress(caller, LendingPoolLiquidationManager, addr)
}

// GetLendingPoolCore returns the address of the current core implementation.
func (p *AddressesProvider) GetLendingPoolCore() common.Address {
	return p.GetAddress(LendingPoolCore)
}

// LendingPoolCore returns the current core implementation, or nil before the
// first SetLendingPoolCoreImpl.
func (p *AddressesProvider) LendingPoolCore() Initializable {
	p.mu.RLock()
	proxy := p.proxies[LendingPoolCore]
	p.mu.RUnlock()
	if proxy == nil {
		return nil
	}
	return proxy.Target()
}

// ProxyAddress returns the stable proxy address for key.
func (p *AddressesProvider) ProxyAddress(key Key) (common.Address, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	proxy, ok := p.proxies[key]
	if !ok {
		return common.Address{}, false
	}
	return proxy.Address(), true
}

// ProxyVersion returns how many implementations the proxy for key has had,
// or 0 when key is not proxied.
func (p *AddressesProvider) ProxyVersion(key Key) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if proxy, ok := p.proxies[key]; ok {
		return proxy.Version()
	}
	return 0
}

// SetLendingPoolCoreImpl points the core proxy at impl, deploying the proxy
// on first use. impl is initialized before it becomes reachable; if that
// fails the previous implementation stays in place.
func (p *AddressesProvider) SetLendingPoolCoreImpl(caller, implAddr common.Address, impl Initializable) error {
	return p.updateImpl(caller, LendingPoolCore, implAddr, impl)
}

func (p *AddressesProvider) updateImpl(caller common.Address, key Key, implAddr common.Address, impl Initializable) error {
	if impl == nil {
		return fmt.Errorf("set %s impl: nil implementation", key)
	}

	p.upgradeMu.Lock()
	defer p.upgradeMu.Unlock()

	if p.Owner() != caller {
		return errs.ErrUnauthorized
	}

	// Initialize may call back into the provider, so no lock is held here.
	if err := impl.Initialize(p); err != nil {
		return fmt.Errorf("set %s impl: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if proxy, ok := p.proxies[key]; ok {
		proxy.upgradeTo(implAddr, impl)
		return nil
	}
	proxyAddr := crypto.CreateAddress(p.address, p.nonce)
	p.nonce++
	p.proxies[key] = newProxy(proxyAddr, p.address, implAddr, impl)
	return nil
}
