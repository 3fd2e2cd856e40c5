// Package schema declares the HCL shape of a lab file. It carries gohcl tags
// only; the lab package turns a decoded LabConfig into a graph and session
// settings.
package schema

// EngineBlock configures the connection to the simulation engine.
type EngineBlock struct {
	URL                string `hcl:"url,optional"`
	TeardownURL        string `hcl:"teardown_url,optional"`
	Transport          string `hcl:"transport,optional"`
	Namespace          string `hcl:"namespace,optional"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify,optional"`
	Timeout            int    `hcl:"timeout,optional"`
	MaxTasks           int    `hcl:"max_tasks,optional"`
	MaxActions         int    `hcl:"max_actions,optional"`
}

// NodeBlock places one catalog technique on the graph under a local name.
type NodeBlock struct {
	Name      string `hcl:"name,label"`
	Technique string `hcl:"technique"`
}

// LinkBlock connects two named nodes.
type LinkBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// LabConfig is the top-level structure of a lab file.
type LabConfig struct {
	Scenario string       `hcl:"scenario,optional"`
	Engine   *EngineBlock `hcl:"engine,block"`
	Nodes    []*NodeBlock `hcl:"node,block"`
	Links    []*LinkBlock `hcl:"link,block"`
}
