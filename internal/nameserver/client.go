package nameserver

import "github.com/petervdpas/duonet/internal/wire"

// Client is the Main Server's view of the NS: a thin wrapper around the
// wire request/reply round trip, one dial per call.
type Client struct {
	Addr string // NS host:port
}

// NewClient creates a Client dialing ns for every call.
func NewClient(ns string) *Client { return &Client{Addr: ns} }

// Register performs update_server and reports whether addr became active.
func (c *Client) Register(uri, addr string) (active bool, err error) {
	rep, err := wire.SendRequest(c.Addr, wire.Request{Kind: wire.KindUpdateServer, URI: uri, Addr: addr})
	if err != nil {
		return false, err
	}
	return rep.ActiveServer, nil
}

// ResolveClosest performs addr_request. It sends no caller IP: the NS
// derives it from the socket.
func (c *Client) ResolveClosest(uri string) (addr string, found bool, err error) {
	rep, err := wire.SendRequest(c.Addr, wire.Request{Kind: wire.KindAddrRequest, URI: uri})
	if err != nil {
		return "", false, err
	}
	return rep.Addr, rep.Status == 200, nil
}

// RandomInactive performs get_random_server.
func (c *Client) RandomInactive(uri string) (addr string, found bool, err error) {
	rep, err := wire.SendRequest(c.Addr, wire.Request{Kind: wire.KindGetRandomServer, URI: uri})
	if err != nil {
		return "", false, err
	}
	return rep.Addr, rep.Addr != "", nil
}

// SetCurrentServer performs set_current_server.
func (c *Client) SetCurrentServer(uri, newAddr, oldAddr string) error {
	_, err := wire.SendRequest(c.Addr, wire.Request{
		Kind: wire.KindSetCurrentHost, URI: uri, NewAddr: newAddr, OldAddr: oldAddr,
	})
	return err
}

// ReplicaAddr performs get_replica_addr.
func (c *Client) ReplicaAddr(uri, myAddr string) (addr string, found bool, err error) {
	rep, err := wire.SendRequest(c.Addr, wire.Request{Kind: wire.KindGetReplicaAddr, URI: uri, MyAddr: myAddr})
	if err != nil {
		return "", false, err
	}
	return rep.Addr, rep.Addr != "", nil
}
