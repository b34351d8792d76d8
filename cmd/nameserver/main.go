// Command nameserver runs the forwarding-pointer registry: a TCP listener
// accepting one framed request per connection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/petervdpas/duonet/internal/config"
	"github.com/petervdpas/duonet/internal/eventbus/wsbus"
	"github.com/petervdpas/duonet/internal/nameserver"
)

func main() {
	ip := flag.String("ip", "0.0.0.0", "IP to listen on")
	port := flag.Int("port", 8000, "TCP port to listen on")
	cfgPath := flag.String("config", "", "optional config file; created with defaults if missing")
	seedPath := flag.String("seed", "", "optional JSON file listing known addresses to pre-populate as migration candidates")
	flag.Parse()

	if *cfgPath != "" {
		cfg, created, err := config.Ensure(*cfgPath)
		if err != nil {
			log.Fatalf("NS: config %s: %v", *cfgPath, err)
		}
		if created {
			log.Printf("NS: wrote default config to %s", *cfgPath)
		}
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if !explicit["ip"] {
			*ip = cfg.NameServer.IP
		}
		if !explicit["port"] {
			*port = cfg.NameServer.Port
		}
	}

	reg := nameserver.NewRegistry()

	if *seedPath != "" {
		raw, err := os.ReadFile(*seedPath)
		if err != nil {
			log.Fatalf("NS: reading seed file %s: %v", *seedPath, err)
		}
		var addrs []string
		if err := json.Unmarshal(raw, &addrs); err != nil {
			log.Fatalf("NS: parsing seed file %s: %v", *seedPath, err)
		}
		reg.SeedKnown(addrs)
		log.Printf("NS: seeded %d known address(es) from %s", len(addrs), *seedPath)
	}

	srv := nameserver.NewServer(reg, wsbus.Dial)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("NS: shutting down")
		_ = srv.Close()
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", *ip, *port)
	if err := srv.ListenAndServe(addr); err != nil {
		log.Fatalf("NS: %v", err)
	}
}
