// Command client resolves a service URI to a Main Server address via the
// Name Server, connects, and exchanges chat and peer-address queries over
// the event bus.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/duonet/internal/eventbus"
	"github.com/petervdpas/duonet/internal/eventbus/wsbus"
	"github.com/petervdpas/duonet/internal/launch"
	"github.com/petervdpas/duonet/internal/nameserver"
)

func main() {
	var (
		dnsIP     string
		dnsPort   int
		serverURI string
		username  string
		publicURI string
		launchCmd string
	)

	flag.StringVar(&dnsIP, "dns_ip", "127.0.0.1", "Name Server IP")
	flag.IntVar(&dnsPort, "dns_port", 8000, "Name Server port")
	flag.StringVar(&serverURI, "u", "", "service URI to join (short)")
	flag.StringVar(&serverURI, "server_uri", "", "service URI to join")
	flag.StringVar(&username, "name", "", "chat display name")
	flag.StringVar(&publicURI, "public_uri", "", "this client's published P2P endpoint")
	flag.StringVar(&launchCmd, "server_bin", "", "binary to spawn if this client is asked to start a Main Server")
	flag.Parse()

	if serverURI == "" || username == "" {
		log.Fatal("CLIENT: -u/--server_uri and --name are required")
	}

	ns := nameserver.NewClient(fmt.Sprintf("%s:%d", dnsIP, dnsPort))

	var launcher launch.ProcessLauncher
	if launchCmd != "" {
		launcher = launch.NewExecLauncher(launchCmd, "--server_ip", "{ip}", "--server_port", "{port}", "-u", serverURI)
	}

	c := &client{ns: ns, uri: serverURI, username: username, publicURI: publicURI, launcher: launcher}
	c.run()
}

type client struct {
	ns        *nameserver.Client
	uri       string
	username  string
	publicURI string
	launcher  launch.ProcessLauncher

	bus    eventbus.Client
	paused atomic.Bool

	pendingMu sync.Mutex
	pending   []string
}

func (c *client) run() {
	addr, found, err := c.ns.ResolveClosest(c.uri)
	if err != nil || !found {
		log.Fatalf("CLIENT: could not resolve %s: %v", c.uri, err)
	}
	c.connect(addr, false)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.send(line)
	}
}

func (c *client) connect(addr string, reconnecting bool) {
	auth := eventbus.Payload{
		"username":     c.username,
		"publicUri":    c.publicURI,
		"reconnecting": reconnecting,
	}

	bus, err := wsbus.Dial(context.Background(), addr, auth)
	if err != nil {
		log.Fatalf("CLIENT: dial %s: %v", addr, err)
	}
	c.bus = bus

	bus.On("server_message", func(p eventbus.Payload) {
		fmt.Printf("* %v\n", p["message"])
	})
	bus.On("send_uuid", func(p eventbus.Payload) {
		log.Printf("CLIENT: assigned uuid %v", p["uuid"])
	})
	bus.On("message_history", func(p eventbus.Payload) {
		messages, _ := p["messages"].([]any)
		for _, raw := range messages {
			pair, ok := raw.([]any)
			if !ok || len(pair) != 2 {
				continue
			}
			body, _ := pair[1].(map[string]any)
			fmt.Printf("[%v] %v: %v\n", pair[0], body["username"], body["message"])
		}
	})
	bus.On("chat", func(p eventbus.Payload) {
		fmt.Printf("[%v] %v: %v\n", p["index"], p["username"], p["message"])
	})
	bus.On("pause_messaging", func(p eventbus.Payload) {
		paused, _ := p["pause_messaging"].(bool)
		c.paused.Store(paused)
		if !paused {
			c.flush()
		}
	})
	bus.On("reconnect", func(eventbus.Payload) {
		log.Println("CLIENT: server asked us to reconnect, re-resolving")
		c.reconnect()
	})
	bus.On("server_down", func(eventbus.Payload) {
		log.Println("CLIENT: server going down, re-resolving")
		c.reconnect()
	})
	bus.OnRequest("server_start", func(eventbus.Payload) eventbus.Payload {
		return c.handleServerStart()
	})
}

// handleServerStart answers the Main Server's migration request: spawn a
// new process and report where it will listen.
func (c *client) handleServerStart() eventbus.Payload {
	if c.launcher == nil {
		return eventbus.Payload{}
	}
	port, err := launch.FreePort()
	if err != nil {
		log.Printf("CLIENT: server_start: no free port: %v", err)
		return eventbus.Payload{}
	}
	ip := "127.0.0.1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.launcher.Launch(ctx, ip, fmt.Sprintf("%d", port)); err != nil {
		log.Printf("CLIENT: server_start: launch failed: %v", err)
		return eventbus.Payload{}
	}
	return eventbus.Payload{"ip": ip, "port": fmt.Sprintf("%d", port)}
}

func (c *client) reconnect() {
	addr, found, err := c.ns.ResolveClosest(c.uri)
	if err != nil || !found {
		log.Printf("CLIENT: reconnect resolve failed: %v", err)
		return
	}
	_ = c.bus.Close()
	c.connect(addr, true)
}

func (c *client) send(text string) {
	if c.paused.Load() {
		c.pendingMu.Lock()
		c.pending = append(c.pending, text)
		c.pendingMu.Unlock()
		return
	}
	c.bus.Emit("chat", eventbus.Payload{"message": text})
}

func (c *client) flush() {
	c.pendingMu.Lock()
	queued := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	for _, text := range queued {
		c.bus.Emit("chat", eventbus.Payload{"message": text})
	}
}
