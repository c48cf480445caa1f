package domain

// Action is what the install pipeline does with a plan node.
type Action int

const (
	// ActionInstall fetches, materializes, links and records the package.
	ActionInstall Action = iota
	// ActionUpgrade installs a newer version over an existing record.
	ActionUpgrade
	// ActionSkip keeps an already installed package.
	ActionSkip
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionInstall:
		return "install"
	case ActionUpgrade:
		return "upgrade"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Method is how a package's files are produced.
type Method int

const (
	// MethodBottle downloads a prebuilt archive.
	MethodBottle Method = iota
	// MethodSource runs the configured build command.
	MethodSource
)

// String returns the method name.
func (m Method) String() string {
	if m == MethodSource {
		return "source"
	}
	return "bottle"
}

// PlanNode is one package in an install plan.
type PlanNode struct {
	Package   *Package
	Action    Action
	Method    Method
	Requested bool
	// Dependencies are the direct dependencies that are part of the plan.
	Dependencies []string
	// Installed is the existing record for skip and upgrade nodes.
	Installed *InstallRecord
}

// Name returns the package name of the node.
func (n *PlanNode) Name() string {
	return n.Package.Name
}

// Failure is a package that could not be planned.
type Failure struct {
	Name string
	Err  error
}

// Plan is the ordered set of packages one install invocation acts on.
// Nodes are in dependency order: every dependency precedes its dependents.
type Plan struct {
	Requested []string
	Nodes     []*PlanNode
	Failures  []Failure
}

// Node returns the plan node for name, or nil.
func (p *Plan) Node(name string) *PlanNode {
	for _, n := range p.Nodes {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

// Names returns the node names in plan order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		names[i] = n.Name()
	}
	return names
}

// DependencyMap returns the in-plan dependencies of every node.
func (p *Plan) DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(p.Nodes))
	for _, n := range p.Nodes {
		deps[n.Name()] = n.Dependencies
	}
	return deps
}
