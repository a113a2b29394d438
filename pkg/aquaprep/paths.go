package aquaprep

import "github.com/climsim/aquaprep/internal/pipeline/config"

const (
	// ConfigDirName is the hidden directory that stores workspace-local aquaprep metadata.
	ConfigDirName = ".aquaprep"
	// DefaultConfigRelPath is the default relative path to the pipeline definition.
	DefaultConfigRelPath = ConfigDirName + "/pipeline.yaml"
	// RunsDirName is the directory under ConfigDirName that holds run records.
	RunsDirName = "runs"
)

// DefaultPipeline returns the embedded default pipeline definition, the
// stock aquaplanet preprocessing chain.
func DefaultPipeline() []byte {
	return config.DefaultPipeline()
}
