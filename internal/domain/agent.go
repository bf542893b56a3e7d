package domain

// DefaultMaxLoad bounds an agent's concurrent workload when the pool
// configuration leaves max_load unset.
const DefaultMaxLoad = 1000

// Agent is one worker in the routing pool. Values handed out by the
// registry are point-in-time copies; CurrentLoad moves only through the
// registry's acquire/release operations.
type Agent struct {
	ID           string   `json:"id"            yaml:"id"`
	Name         string   `json:"name"          yaml:"name"`
	Enabled      bool     `json:"enabled"       yaml:"enabled"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	CurrentLoad  int      `json:"currentLoad"   yaml:"-"`
	MaxLoad      int      `json:"maxLoad"       yaml:"max_load,omitempty"`
	Weight       int      `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Usable reports whether the agent may take one more task.
func (a Agent) Usable() bool {
	return a.Enabled && a.CurrentLoad < a.MaxLoad
}

// Normalize fills defaults: Name falls back to ID, non-positive MaxLoad to
// DefaultMaxLoad, negative Weight to zero.
func (a Agent) Normalize() Agent {
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.MaxLoad <= 0 {
		a.MaxLoad = DefaultMaxLoad
	}
	if a.Weight < 0 {
		a.Weight = 0
	}
	return a
}
