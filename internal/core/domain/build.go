package domain

// BuildRequest asks the build collaborator to produce a package's files.
type BuildRequest struct {
	Package *Package
	// Dependencies maps each direct dependency to its opt path.
	Dependencies map[string]string
}

// BuildOutput is a finished build staged on disk.
type BuildOutput struct {
	// StagedDir contains the files of the package, laid out like a cellar entry.
	StagedDir string
}

// Command is a process invocation.
type Command struct {
	Args []string
	Env  []string
	Dir  string
}
