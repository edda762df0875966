package p2p

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tendermint/market/types"
)

// Protocol identifies a transport protocol.
type Protocol string

const (
	WSProtocol  Protocol = "ws"
	WSSProtocol Protocol = "wss"

	// defaultPath is where WSTransport serves peer connections.
	defaultPath = "/p2p"
)

var (
	// stringHasScheme tries to detect URLs with schemes. It looks for a : before a / (if any).
	stringHasScheme = func(str string) bool {
		return strings.Contains(str, "://")
	}

	// reSchemeIsHost tries to detect URLs where the scheme part is instead a
	// hostname, i.e. of the form "host:80/path" where host: is a hostname.
	reSchemeIsHost = regexp.MustCompile(`^[^/:]+:\d+(/|$)`)
)

// NodeAddress is a peer address URL of the form ws://[trader@]host:port/path.
// When the trader id is given, a connection is only kept if the remote side
// proves it holds the matching key.
type NodeAddress struct {
	NodeID   types.TraderID
	Protocol Protocol
	Hostname string
	Port     uint16
	Path     string
}

// ParseNodeAddress parses a peer address URL into a NodeAddress, normalizing
// and validating it. The scheme defaults to ws and the path to /p2p.
func ParseNodeAddress(urlString string) (NodeAddress, error) {
	// url.Parse requires a scheme, so if it fails to parse a scheme-less URL
	// we try to apply a default scheme.
	u, err := url.Parse(urlString)
	if (err != nil || u.Scheme == "") &&
		(!stringHasScheme(urlString) || reSchemeIsHost.MatchString(urlString)) {
		u, err = url.Parse(string(WSProtocol) + "://" + urlString)
	}
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", urlString, err)
	}
	if u.Opaque != "" {
		u, err = url.Parse(string(WSProtocol) + "://" + urlString)
		if err != nil {
			return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", urlString, err)
		}
	}

	address := NodeAddress{
		Protocol: Protocol(strings.ToLower(u.Scheme)),
		Hostname: strings.ToLower(u.Hostname()),
		Path:     u.Path,
	}
	if u.User != nil {
		address.NodeID = types.TraderID(strings.ToLower(u.User.Username()))
	}
	if portString := u.Port(); portString != "" {
		port64, err := strconv.ParseUint(portString, 10, 16)
		if err != nil {
			return NodeAddress{}, fmt.Errorf("invalid port %q: %w", portString, err)
		}
		address.Port = uint16(port64)
	}
	if address.Path == "" {
		address.Path = defaultPath
	} else if address.Path[0] != '/' {
		address.Path = "/" + address.Path
	}

	return address, address.Validate()
}

// DialURL is the websocket URL to dial, without the trader id.
func (a NodeAddress) DialURL() string {
	u := url.URL{Scheme: string(a.Protocol), Host: a.host(), Path: a.Path}
	return u.String()
}

func (a NodeAddress) host() string {
	if a.Port > 0 {
		return net.JoinHostPort(a.Hostname, strconv.Itoa(int(a.Port)))
	}
	return a.Hostname
}

// String formats the address as a URL string.
func (a NodeAddress) String() string {
	u := url.URL{Scheme: string(a.Protocol), Host: a.host(), Path: a.Path}
	if a.NodeID != "" {
		u.User = url.User(string(a.NodeID))
	}
	return u.String()
}

// Validate validates a NodeAddress.
func (a NodeAddress) Validate() error {
	switch a.Protocol {
	case WSProtocol, WSSProtocol:
	case "":
		return errors.New("no protocol")
	default:
		return fmt.Errorf("unsupported protocol %q", a.Protocol)
	}
	if a.Hostname == "" {
		return errors.New("no hostname")
	}
	if a.NodeID != "" {
		if err := a.NodeID.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid peer ID: %w", err)
		}
	}
	return nil
}
