package meta

const (
	// ProjectFile is the project description file in each project directory.
	ProjectFile = "project.yaml"

	// ImportKey lists directories whose project files are loaded too.
	ImportKey = "import"

	// StartTargetVariable names the default target to build.
	StartTargetVariable = "StartProject"
)

// Document is the content of a single project file.
type Document struct {
	// File is the absolute path of the project file.
	File string
	// Dir is the absolute directory containing File.
	Dir string
	// Imports are absolute directories listed under "import".
	Imports []string
	// Targets are the "(name)" entries in file order.
	Targets []*TargetDecl
	// Variables are the "$name" entries without the "$".
	Variables map[string]interface{}
	// Settings are all other top-level entries.
	Settings map[string]interface{}
}

// TargetDecl is a single "(name)" entry.
type TargetDecl struct {
	Name   string
	Line   int
	Config map[string]interface{}
}
