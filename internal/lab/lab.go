package lab

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/tracecat/simlab/internal/catalog"
	"github.com/tracecat/simlab/internal/graph"
	"github.com/tracecat/simlab/internal/session"
	"github.com/tracecat/simlab/internal/transport"
)

// ErrInvalidLab is returned for a lab that parses but cannot be built.
var ErrInvalidLab = errors.New("invalid lab")

// Engine holds the connection settings for the simulation engine.
type Engine struct {
	URL                string
	TeardownURL        string
	Transport          transport.Kind
	Namespace          string
	InsecureSkipVerify bool
	Tunables           session.Tunables
}

// Node is a named placement of a catalog technique.
type Node struct {
	Name      string
	Technique string
}

// Link connects two nodes by name.
type Link struct {
	From string
	To   string
}

// Lab is a fully decoded lab file.
type Lab struct {
	Scenario string
	Engine   Engine
	Nodes    []Node
	Links    []Link
}

// Dialer returns the transport described by the engine settings.
func (e Engine) Dialer() (transport.Dialer, error) {
	d, err := transport.New(e.Transport, e.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLab, err)
	}
	if sio, ok := d.(*transport.SocketIO); ok {
		if e.URL == "" {
			return nil, fmt.Errorf("%w: the socketio transport needs an explicit url", ErrInvalidLab)
		}
		sio.Namespace = e.Namespace
		sio.InsecureSkipVerify = e.InsecureSkipVerify
	}
	return d, nil
}

// TeardownBaseURL returns the HTTP base URL for teardown calls. Without an
// explicit teardown_url it is derived from the stream URL's host.
func (e Engine) TeardownBaseURL() string {
	if e.TeardownURL != "" {
		return e.TeardownURL
	}
	stream := e.URL
	if stream == "" {
		stream = transport.DefaultWebSocketURL
	}
	u, err := url.Parse(stream)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	return u.Scheme + "://" + u.Host
}

// Build resolves every node against cat and reproduces the lab's topology in
// a fresh graph. The returned map gives the graph id of each named node.
func (l *Lab) Build(cat *catalog.Catalog) (*graph.Model, map[string]graph.NodeID, error) {
	m := graph.New()
	ids := make(map[string]graph.NodeID, len(l.Nodes))

	for _, n := range l.Nodes {
		if _, dup := ids[n.Name]; dup {
			return nil, nil, fmt.Errorf("%w: node %q is declared more than once", ErrInvalidLab, n.Name)
		}
		p, ok := cat.Lookup(n.Technique)
		if !ok {
			return nil, nil, fmt.Errorf("%w: node %q uses unknown technique %q", ErrInvalidLab, n.Name, n.Technique)
		}
		id, err := m.AddNode(p)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: node %q: %w", ErrInvalidLab, n.Name, err)
		}
		ids[n.Name] = id
	}

	for _, lk := range l.Links {
		from, ok := ids[lk.From]
		if !ok {
			return nil, nil, fmt.Errorf("%w: link references unknown node %q", ErrInvalidLab, lk.From)
		}
		to, ok := ids[lk.To]
		if !ok {
			return nil, nil, fmt.Errorf("%w: link references unknown node %q", ErrInvalidLab, lk.To)
		}
		if err := m.AddLink(from, to); err != nil {
			return nil, nil, fmt.Errorf("%w: link %s -> %s: %w", ErrInvalidLab, lk.From, lk.To, err)
		}
	}
	return m, ids, nil
}
