package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clawlink/internal/discovery"
	"clawlink/internal/domain"
	"clawlink/internal/eventbus"
	"clawlink/internal/gateway"
	"clawlink/internal/identity"
	"clawlink/internal/infra/config"
	"clawlink/internal/infra/logger"
	"clawlink/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "run":
		err = runLoop()
	case "pair":
		err = runPair()
	case "status":
		err = runStatus()
	case "usage":
		err = runUsage()
	case "models":
		err = runModels()
	case "discover":
		err = runDiscover()
	case "wipe":
		err = runWipe()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'clawlink --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`clawlink - persistent gateway client

USAGE:
    clawlink [COMMAND] [FLAGS]

COMMANDS:
    run         Connect and chat from stdin (default)
    pair        Enroll this device with the gateway
    status      Show gateway health and server info
    usage       Show gateway usage accounting
    models      List models served by the gateway
    discover    Browse the local network for gateways
    wipe        Delete the device identity and all stored tokens

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --yes              Skip the confirmation prompt (wipe only)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CLAWLINK_* variables override config

EXAMPLES:
    clawlink discover                     # Find gateways on the LAN
    CLAWLINK_GATEWAY_URL=gw.local clawlink pair
    clawlink run                          # Connect and chat
    clawlink status                       # One-shot health check`)
}

func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "config.yaml"
}

func hasFlag(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

// app bundles the wired components every subcommand needs.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	identity *identity.Manager
	client   *gateway.Client
	api      *gateway.API
	endpoint gateway.Endpoint
	cleanup  func()
}

func bootstrap(ctx context.Context, needsClient bool) (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	bus := eventbus.New(log)

	store, err := identity.NewStore(cfg.Identity.StorePath, os.Getenv(cfg.Identity.PassphraseEnv))
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("identity store: %w", err)
	}
	idm := identity.NewManager(store, log)

	a := &app{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		identity: idm,
		cleanup: func() {
			bus.Close()
			store.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerShutdown(shutdownCtx)
			logCloser()
		},
	}

	if !needsClient {
		return a, nil
	}

	url := cfg.Gateway.URL
	if url == "" && cfg.Discovery.Enabled {
		url, err = discoverGatewayURL(ctx, cfg, bus, log)
		if err != nil {
			a.cleanup()
			return nil, err
		}
	}
	if url == "" {
		a.cleanup()
		return nil, fmt.Errorf("no gateway url configured; set gateway.url or CLAWLINK_GATEWAY_URL, or enable discovery")
	}

	ep, err := gateway.Normalize(url)
	if err != nil {
		a.cleanup()
		return nil, fmt.Errorf("gateway url: %w", err)
	}

	a.endpoint = ep
	a.client = gateway.NewClient(cfg.Gateway, cfg.Client, ep, idm, bus, log, nil)
	a.api = gateway.NewAPI(a.client, cfg.Gateway.Breaker, log)

	inner := a.cleanup
	a.cleanup = func() {
		a.client.Close()
		inner()
	}
	return a, nil
}

func discoverGatewayURL(ctx context.Context, cfg *config.Config, bus *eventbus.Bus, log *slog.Logger) (string, error) {
	scanner := discovery.NewScanner(cfg.Discovery.ScanTimeout, bus, log)
	found, err := scanner.Scan(ctx)
	if err != nil {
		return "", fmt.Errorf("discovery: %w", err)
	}
	if len(found) == 0 {
		return "", fmt.Errorf("no gateways found on the local network")
	}
	log.Info("using discovered gateway", "name", found[0].Name, "address", found[0].Address)
	return found[0].URL(), nil
}

// waitForConnection blocks until the client reaches Connected, a fatal error
// surfaces, or ctx expires.
func waitForConnection(ctx context.Context, a *app) error {
	fatal := make(chan string, 1)
	unsub := a.bus.Subscribe(domain.EventConnError, func(_ context.Context, e domain.Event) {
		var ce gateway.ConnError
		if json.Unmarshal(e.Payload, &ce) == nil && ce.Fatal {
			select {
			case fatal <- ce.Message:
			default:
			}
		}
	})
	defer unsub()

	a.client.Connect()
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	pairingNoted := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to %s: %w", a.endpoint.Host, ctx.Err())
		case msg := <-fatal:
			return fmt.Errorf("connecting to %s: %s", a.endpoint.Host, msg)
		case <-ticker.C:
			switch a.client.State() {
			case gateway.StateConnected:
				return nil
			case gateway.StatePairingPending:
				if !pairingNoted {
					pairingNoted = true
					fmt.Println("device not paired yet; approve it on the gateway")
				}
			}
		}
	}
}

func runLoop() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.cleanup()

	sessionKey := fmt.Sprintf("agent:main:%s:cli", a.cfg.Client.ID)
	a.client.Demux().SetActiveSession(sessionKey)

	a.bus.Subscribe(domain.EventConnStateChanged, func(_ context.Context, e domain.Event) {
		var sc gateway.StateChange
		if json.Unmarshal(e.Payload, &sc) != nil {
			return
		}
		if sc.Detail != "" {
			fmt.Printf("-- %s (%s)\n", sc.State, sc.Detail)
			return
		}
		fmt.Printf("-- %s\n", sc.State)
	})
	a.bus.Subscribe(domain.EventTurnCommitted, func(_ context.Context, e domain.Event) {
		var r gateway.TurnResult
		if json.Unmarshal(e.Payload, &r) != nil {
			return
		}
		fmt.Println(r.Text)
	})
	a.bus.Subscribe(domain.EventTurnFailed, func(_ context.Context, e domain.Event) {
		var r gateway.TurnResult
		if json.Unmarshal(e.Payload, &r) != nil {
			return
		}
		fmt.Printf("turn failed: %s\n", r.Error)
	})
	a.bus.Subscribe(domain.EventSessionUnread, func(_ context.Context, e domain.Event) {
		var n gateway.UnreadNotice
		if json.Unmarshal(e.Payload, &n) != nil {
			return
		}
		fmt.Printf("-- %d unread in %s\n", n.Count, n.SessionKey)
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, a.cfg.Gateway.ConnectTimeout)
	err = waitForConnection(connectCtx, a)
	connectCancel()
	if err != nil {
		return err
	}

	// Read turns from stdin until EOF or signal.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := a.api.SendAgent(ctx, sessionKey, line, "", nil, false); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
}

func runPair() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.cleanup()

	deviceID, err := a.identity.DeviceID()
	if err != nil {
		return err
	}
	fmt.Printf("device id: %s\n", deviceID)
	fmt.Printf("pairing with %s; approve this device on the gateway\n", a.endpoint.Host)

	// Pairing approval is a human-timescale event: wait until the signal
	// context is cancelled rather than the connect timeout.
	if err := waitForConnection(ctx, a); err != nil {
		return err
	}

	version, _ := a.client.ServerInfo()
	fmt.Printf("paired and connected (server %s)\n", version)
	return nil
}

func oneShot(fetch func(ctx context.Context, a *app) (json.RawMessage, error)) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer a.cleanup()

	connectCtx, connectCancel := context.WithTimeout(ctx, a.cfg.Gateway.ConnectTimeout)
	err = waitForConnection(connectCtx, a)
	connectCancel()
	if err != nil {
		return err
	}

	payload, err := fetch(ctx, a)
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("gateway did not answer in time")
	}
	return printJSON(payload)
}

func runStatus() error {
	return oneShot(func(ctx context.Context, a *app) (json.RawMessage, error) {
		version, uptime := a.client.ServerInfo()
		fmt.Printf("connected to %s (server %s, up %s)\n", a.endpoint.Host, version, time.Duration(uptime)*time.Millisecond)
		return a.api.Health(ctx)
	})
}

func runUsage() error {
	return oneShot(func(ctx context.Context, a *app) (json.RawMessage, error) {
		return a.api.Usage(ctx)
	})
}

func runModels() error {
	return oneShot(func(ctx context.Context, a *app) (json.RawMessage, error) {
		return a.api.Models(ctx)
	})
}

func runDiscover() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.cleanup()

	scanner := discovery.NewScanner(a.cfg.Discovery.ScanTimeout, a.bus, a.log)
	found, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no gateways found")
		return nil
	}
	for _, gw := range found {
		if gw.Version != "" {
			fmt.Printf("%s\t%s\t(version %s)\n", gw.Name, gw.Address, gw.Version)
			continue
		}
		fmt.Printf("%s\t%s\n", gw.Name, gw.Address)
	}
	return nil
}

func runWipe() error {
	if !hasFlag("--yes") {
		return fmt.Errorf("wipe deletes the device keypair and every stored token; rerun with --yes to confirm")
	}

	ctx := context.Background()
	a, err := bootstrap(ctx, false)
	if err != nil {
		return err
	}
	defer a.cleanup()

	if err := a.identity.Wipe(); err != nil {
		return err
	}
	fmt.Println("device identity wiped; the next connection enrolls a fresh device")
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
