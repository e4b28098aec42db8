package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/schema"
)

const (
	propNameservers = "nameservers"
	propSearch      = "search"
)

// resolverSet is one interface's resolver configuration.
type resolverSet struct {
	Nameservers []string
	Search      []string
}

type handler struct {
	logger     *logging.Logger
	resolvPath string
	probe      func(ctx context.Context, server string) error

	mu     sync.Mutex
	ifaces map[string]resolverSet
}

func newHandler(logger *logging.Logger, resolvPath string) *handler {
	return &handler{
		logger:     logger,
		resolvPath: resolvPath,
		probe:      probeResolver,
		ifaces:     make(map[string]resolverSet),
	}
}

func (h *handler) Query(ctx context.Context) ([]schema.Interface, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]schema.Interface, 0, len(h.ifaces))
	for name, set := range h.ifaces {
		props := map[string]any{propNameservers: asAny(set.Nameservers)}
		if len(set.Search) > 0 {
			props[propSearch] = asAny(set.Search)
		}
		out = append(out, schema.Interface{
			Name:       name,
			State:      schema.StateUp,
			Properties: props,
		})
	}
	return out, nil
}

func (h *handler) Apply(ctx context.Context, op *schema.Operation) (*schema.Interface, error) {
	name := op.Iface

	if op.Kind == schema.OpDelete || op.Desired.State == schema.StateAbsent {
		h.forget(name)
		return nil, nil
	}

	servers := stringList(op.Desired.Properties[propNameservers])
	search := stringList(op.Desired.Properties[propSearch])
	if len(servers) == 0 {
		h.forget(name)
		return nil, nil
	}

	for _, srv := range servers {
		if err := h.probe(ctx, srv); err != nil {
			return nil, fmt.Errorf("resolver %s did not answer: %w", srv, err)
		}
	}

	h.mu.Lock()
	h.ifaces[name] = resolverSet{Nameservers: servers, Search: search}
	h.mu.Unlock()

	if err := h.rewrite(); err != nil {
		return nil, err
	}

	result := op.Desired.Clone()
	return &result, nil
}

// Validate rejects nameserver values that are not IP addresses before the
// daemon plans anything. Reachability is only checked at apply time.
func (h *handler) Validate(_ context.Context, op *schema.Operation) error {
	for _, srv := range stringList(op.Desired.Properties[propNameservers]) {
		host := srv
		if strings.Contains(host, ":") {
			var err error
			if host, _, err = net.SplitHostPort(srv); err != nil {
				return fmt.Errorf("nameserver %q is not an address", srv)
			}
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("nameserver %q is not an address", srv)
		}
	}
	return nil
}

func (h *handler) forget(name string) {
	h.mu.Lock()
	_, had := h.ifaces[name]
	delete(h.ifaces, name)
	h.mu.Unlock()

	if had {
		if err := h.rewrite(); err != nil {
			h.logger.Warn("Rewriting resolv.conf failed", "error", err)
		}
	}
}

// probeResolver sends a root NS query and accepts any well-formed reply.
// A resolver that refuses is still alive; only transport failure counts.
func probeResolver(ctx context.Context, server string) error {
	addr := server
	if !strings.Contains(addr, ":") {
		addr = addr + ":53"
	}

	c := new(dns.Client)
	c.Timeout = 2 * time.Second

	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)

	_, _, err := c.ExchangeContext(ctx, m, addr)
	return err
}

// rewrite regenerates resolv.conf from the union of per-interface sets,
// deduplicated, interfaces in name order so the output is stable.
func (h *handler) rewrite() error {
	h.mu.Lock()
	names := make([]string, 0, len(h.ifaces))
	for name := range h.ifaces {
		names = append(names, name)
	}
	sort.Strings(names)

	var servers, search []string
	seen := make(map[string]bool)
	for _, name := range names {
		set := h.ifaces[name]
		for _, s := range set.Nameservers {
			if !seen["ns:"+s] {
				seen["ns:"+s] = true
				servers = append(servers, s)
			}
		}
		for _, d := range set.Search {
			if !seen["search:"+d] {
				seen["search:"+d] = true
				search = append(search, d)
			}
		}
	}
	h.mu.Unlock()

	var b strings.Builder
	b.WriteString("# Generated by rime-plugin-dns\n")
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if len(search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(search, " "))
	}

	if err := os.WriteFile(h.resolvPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", h.resolvPath, err)
	}
	return nil
}

func stringList(v any) []string {
	switch tv := v.(type) {
	case []string:
		return tv
	case []any:
		out := make([]string, 0, len(tv))
		for _, e := range tv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func asAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
