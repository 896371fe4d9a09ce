package runtime

// PythonRuntime configures execution of Python code.
type PythonRuntime struct{}

func (p *PythonRuntime) Language() Language { return Python }

func (p *PythonRuntime) Aliases() []string { return []string{"py", "python3"} }

func (p *PythonRuntime) Target() string { return TargetPython }

func (p *PythonRuntime) Filename() string { return "main.py" }

func (p *PythonRuntime) Command() []string {
	return []string{
		"python3", "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"main.py",
	}
}
