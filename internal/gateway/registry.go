package gateway

import (
	"fmt"
	"net/http"
	"sort"

	"rent-billing/internal/config"

	"github.com/redis/go-redis/v9"
)

// Registry holds the gateways built at startup. Active serves new deposits and
// withdrawals; the others stay reachable for callbacks and polls of
// transactions started before a provider switch.
type Registry struct {
	active Gateway
	byName map[string]Gateway
}

func NewRegistry(active Gateway, others ...Gateway) *Registry {
	r := &Registry{active: active, byName: map[string]Gateway{active.Name(): active}}
	for _, g := range others {
		if _, ok := r.byName[g.Name()]; !ok {
			r.byName[g.Name()] = g
		}
	}
	return r
}

func (r *Registry) Active() Gateway { return r.active }

func (r *Registry) Lookup(name string) (Gateway, bool) {
	g, ok := r.byName[name]
	return g, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Deps are the shared clients adapters may use. Redis is optional.
type Deps struct {
	HTTPClient *http.Client
	Redis      redis.Cmdable
}

// New builds the configured gateways. The active provider must have complete
// credentials; other providers are built only when theirs are complete.
func New(cfg config.GatewayConfig, deps Deps) (*Registry, error) {
	builders := map[string]func() (Gateway, error){
		config.GatewayMomo: func() (Gateway, error) {
			return NewMomo(cfg.Momo, deps.HTTPClient, cfg.Timeout, deps.Redis)
		},
		config.GatewayYoPay: func() (Gateway, error) {
			return NewYoPay(cfg.YoPay, deps.HTTPClient, cfg.Timeout)
		},
	}
	complete := map[string]bool{
		config.GatewayMomo:  cfg.Momo.Complete(),
		config.GatewayYoPay: cfg.YoPay.Complete(),
	}

	build, ok := builders[cfg.Active]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Active)
	}
	active, err := build()
	if err != nil {
		return nil, err
	}

	var others []Gateway
	for name, b := range builders {
		if name == cfg.Active || !complete[name] {
			continue
		}
		g, err := b()
		if err != nil {
			return nil, err
		}
		others = append(others, g)
	}
	return NewRegistry(active, others...), nil
}
