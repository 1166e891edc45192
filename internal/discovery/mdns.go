package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"clawlink/internal/domain"
)

const (
	serviceType = "_openclaw-gw._tcp"
	mdnsDomain  = "local."
)

// Gateway is one gateway instance found on the local network.
type Gateway struct {
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Version  string            `json:"version,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SeenAt   time.Time         `json:"seen_at"`
}

// URL returns a dialable address for the gateway.
func (g Gateway) URL() string {
	return g.Address
}

// Scanner browses the local network for gateways via mDNS/DNS-SD.
type Scanner struct {
	timeout time.Duration
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewScanner creates a Scanner. A nil bus disables discovery events.
func NewScanner(timeout time.Duration, bus domain.EventBus, logger *slog.Logger) *Scanner {
	return &Scanner{timeout: timeout, bus: bus, logger: logger}
}

// Scan browses for gateway services until the scan timeout elapses.
func (s *Scanner) Scan(ctx context.Context) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	var found []Gateway
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			gw := entryToGateway(entry)
			mu.Lock()
			found = append(found, gw)
			mu.Unlock()
			s.logger.Debug("mdns discovered gateway", "name", gw.Name, "address", gw.Address)
			s.publishDiscovered(ctx, gw)
		}
	}()

	if err := resolver.Browse(scanCtx, serviceType, mdnsDomain, entries); err != nil {
		cancel()
		// Wait for the consumer goroutine to drain the channel before returning.
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	result := make([]Gateway, len(found))
	copy(result, found)
	mu.Unlock()

	return result, nil
}

func (s *Scanner) publishDiscovered(ctx context.Context, gw Gateway) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(gw)
	if err != nil {
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      domain.EventGatewayDiscovered,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func entryToGateway(entry *zeroconf.ServiceEntry) Gateway {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}

	metadata := parseTXTRecords(entry.Text)

	return Gateway{
		Name:     entry.ServiceRecord.Instance,
		Address:  address,
		Version:  metadata["version"],
		Metadata: metadata,
		SeenAt:   time.Now(),
	}
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}
