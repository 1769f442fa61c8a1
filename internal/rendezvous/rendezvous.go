// Package rendezvous turns the descriptor a launcher hands a process into
// the location of its local server.
package rendezvous

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/usock/internal/protocol"
	"golang.org/x/sys/unix"
)

// EnvServerURI carries "<namespace>:<rank>:<socket_path>".
const EnvServerURI = "USOCK_SERVER_URI"

// Role is what the calling process acts as.
type Role int

const (
	RoleClient Role = iota
	RoleServer
	RoleTool
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleTool:
		return "tool"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole accepts the names printed by Role.String.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	case "tool":
		return RoleTool, nil
	default:
		return 0, fmt.Errorf("rendezvous: unknown role %q", raw)
	}
}

// Locator identifies the server and where it listens.
type Locator struct {
	Namespace  string
	Rank       uint32
	SocketPath string
}

func (l Locator) String() string {
	return fmt.Sprintf("%s:%d:%s", l.Namespace, l.Rank, l.SocketPath)
}

// Resolve parses descriptor. Only clients may rendezvous; the role is
// checked before anything else. The socket path must be readable now.
func Resolve(role Role, descriptor string) (Locator, error) {
	if role != RoleClient {
		return Locator{}, fmt.Errorf("%w: rendezvous as %s", protocol.ErrNotSupported, role)
	}
	if descriptor == "" {
		return Locator{}, protocol.ErrServerNotAvailable
	}
	fields := strings.Split(descriptor, ":")
	if len(fields) != 3 {
		return Locator{}, fmt.Errorf("%w: descriptor has %d fields, want 3", protocol.ErrMalformed, len(fields))
	}
	rank, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: rank %q", protocol.ErrMalformed, fields[1])
	}
	path := fields[2]
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Locator{}, fmt.Errorf("%w: %s: %w", protocol.ErrNotFound, path, err)
	}
	return Locator{
		Namespace:  fields[0],
		Rank:       uint32(rank),
		SocketPath: path,
	}, nil
}

// FromEnv resolves the descriptor found under EnvServerURI via lookup
// (os.LookupEnv in production).
func FromEnv(role Role, lookup func(string) (string, bool)) (Locator, error) {
	if role != RoleClient {
		return Locator{}, fmt.Errorf("%w: rendezvous as %s", protocol.ErrNotSupported, role)
	}
	descriptor, ok := lookup(EnvServerURI)
	if !ok || descriptor == "" {
		return Locator{}, protocol.ErrServerNotAvailable
	}
	return Resolve(role, descriptor)
}
