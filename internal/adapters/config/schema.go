package config

// File represents the structure of the zb config.yaml file.
type File struct {
	Root        string         `yaml:"root"`
	Prefix      string         `yaml:"prefix"`
	Concurrency int            `yaml:"concurrency"`
	Retries     *int           `yaml:"retries"`
	LockTimeout string         `yaml:"lock_timeout"`
	Registry    RegistryDTO    `yaml:"registry"`
	Mirrors     []string       `yaml:"mirrors"`
	Materialize MaterializeDTO `yaml:"materialize"`
	Build       BuildDTO       `yaml:"build"`
	Log         LogDTO         `yaml:"log"`
}

// RegistryDTO configures the formula metadata source.
type RegistryDTO struct {
	URL string `yaml:"url"`
}

// MaterializeDTO configures how store entries are placed into the Cellar.
type MaterializeDTO struct {
	Strategy string `yaml:"strategy"`
}

// BuildDTO configures source builds.
type BuildDTO struct {
	Command []string `yaml:"command"`
}

// LogDTO configures log output.
type LogDTO struct {
	JSON bool `yaml:"json"`
}
