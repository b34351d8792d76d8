// Command server runs a Main Server: the middleware pipeline hosting chat
// for one URI, registered with the Name Server and paired with its replica.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/petervdpas/duonet/internal/chatlog"
	"github.com/petervdpas/duonet/internal/config"
	"github.com/petervdpas/duonet/internal/eventbus/wsbus"
	"github.com/petervdpas/duonet/internal/mainserver"
	"github.com/petervdpas/duonet/internal/middleware/chatmw"
	"github.com/petervdpas/duonet/internal/middleware/dnsmw"
	"github.com/petervdpas/duonet/internal/middleware/migrationmw"
	"github.com/petervdpas/duonet/internal/middleware/p2pmw"
	"github.com/petervdpas/duonet/internal/middleware/replicationmw"
	"github.com/petervdpas/duonet/internal/nameserver"
	"github.com/petervdpas/duonet/internal/pipeline"
)

func main() {
	var (
		minN       int
		serverIP   string
		serverPort int
		migrating  bool
		dnsIP      string
		dnsPort    int
		serverURI  string
		dbPath     string
		cfgPath    string
	)

	flag.IntVar(&minN, "n", 0, "minimum live user count before history replay (short)")
	flag.IntVar(&minN, "min_n", 0, "minimum live user count before history replay")
	flag.StringVar(&serverIP, "server_ip", "127.0.0.1", "IP this server advertises to the Name Server")
	flag.IntVar(&serverPort, "server_port", 9000, "port this server listens on")
	flag.BoolVar(&migrating, "migrating", false, "start with the migrating latch already engaged")
	flag.StringVar(&dnsIP, "dns_ip", "127.0.0.1", "Name Server IP")
	flag.IntVar(&dnsPort, "dns_port", 8000, "Name Server port")
	flag.StringVar(&serverURI, "u", "", "service URI this server hosts (short)")
	flag.StringVar(&serverURI, "server_uri", "", "service URI this server hosts")
	flag.StringVar(&dbPath, "db", "", "optional sqlite path mirroring the chat transcript")
	flag.StringVar(&cfgPath, "config", "", "optional config file; created with defaults if missing, and live-watched for min_n changes")
	flag.Parse()

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if cfgPath != "" {
		cfg, created, err := config.Ensure(cfgPath)
		if err != nil {
			log.Fatalf("SERVER: config %s: %v", cfgPath, err)
		}
		if created {
			log.Printf("SERVER: wrote default config to %s", cfgPath)
		}
		if !explicit["n"] && !explicit["min_n"] {
			minN = cfg.Server.MinN
		}
		if !explicit["server_ip"] {
			serverIP = cfg.Server.IP
		}
		if !explicit["server_port"] {
			serverPort = cfg.Server.Port
		}
		if !explicit["migrating"] {
			migrating = cfg.Server.Migrating
		}
		if !explicit["dns_ip"] {
			dnsIP = cfg.NameServer.IP
		}
		if !explicit["dns_port"] {
			dnsPort = cfg.NameServer.Port
		}
		if !explicit["u"] && !explicit["server_uri"] {
			serverURI = cfg.Server.URI
		}
		if !explicit["db"] {
			dbPath = cfg.Storage.SQLitePath
		}
	}

	if serverURI == "" {
		log.Fatal("SERVER: -u/--server_uri is required")
	}

	var mirror chatlog.Mirror
	if dbPath != "" {
		m, err := chatlog.OpenSQLiteMirror(dbPath)
		if err != nil {
			log.Fatalf("SERVER: opening sqlite mirror: %v", err)
		}
		mirror = m
	}

	selfAddr := fmt.Sprintf("http://%s:%d", serverIP, serverPort)
	ns := nameserver.NewClient(fmt.Sprintf("%s:%d", dnsIP, dnsPort))

	active, err := ns.Register(serverURI, selfAddr)
	if err != nil {
		log.Fatalf("SERVER: NS registration unreachable: %v", err)
	}
	if !active {
		log.Printf("SERVER: registered but NS already has two actives for %s; serving anyway", serverURI)
	}

	bus := wsbus.New()
	srv := mainserver.New(serverURI, selfAddr, bus, ns, mirror, minN)
	srv.Migrating.Store(migrating)

	if cfgPath != "" {
		watcher, err := config.Watch(cfgPath, func(cfg config.Config) {
			srv.MinUserCount.Store(int64(cfg.Server.MinN))
			log.Printf("SERVER: config reload: min_n now %d", cfg.Server.MinN)
		})
		if err != nil {
			log.Printf("SERVER: could not watch %s for live min_n reload: %v", cfgPath, err)
		} else {
			defer watcher.Close()
		}
	}

	dnsMw := dnsmw.New(srv)
	migMw := migrationmw.New(srv, wsbus.Dial)
	repMw := replicationmw.New(srv, wsbus.Dial)
	p2pMw := p2pmw.New(func(name string) (uri, uuid string, ok bool) {
		u, found := srv.Users.ByName(name)
		if !found || u.Disconnected {
			return "", "", false
		}
		return u.URI, u.UUID, true
	})
	chatMw := chatmw.New(srv)
	chatMw.SetReplicaEmit(repMw.EmitToPeer)

	srv.Pipeline = pipeline.New(dnsMw, migMw, repMw, p2pMw, chatMw)
	srv.Wire()

	repMw.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go migMw.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("SERVER: shutting down gracefully...")
		cancel()
		_ = bus.Shutdown()
		os.Exit(0)
	}()

	go runConsole(srv, bus)

	log.Printf("SERVER: %s hosting %s, NS at %s:%d", selfAddr, serverURI, dnsIP, dnsPort)
	if err := bus.ListenAndServe(fmt.Sprintf(":%d", serverPort)); err != nil {
		log.Fatalf("SERVER: %v", err)
	}
}

// runConsole reads the interactive console commands: APAGAR (simulate the
// liveness probe seeing us go down), PRENDER (clear that), TERMINAR (shut
// down now).
func runConsole(srv *mainserver.Server, bus *wsbus.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "APAGAR":
			srv.SimulateDown.Store(true)
			if sid, ok := srv.DNSPollSession(); ok {
				bus.Emit(sid, "server_down_dns", pipeline.Payload{})
			}
			log.Println("SERVER: simulate-down engaged (APAGAR)")
		case "PRENDER":
			srv.SimulateDown.Store(false)
			log.Println("SERVER: simulate-down cleared (PRENDER)")
		case "TERMINAR":
			log.Println("SERVER: shutting down (TERMINAR)")
			bus.Broadcast("server_down", pipeline.Payload{})
			_ = bus.Shutdown()
			os.Exit(0)
		}
	}
}
