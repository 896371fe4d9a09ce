package runtime

// JavaScriptRuntime configures execution of JavaScript on Node.js.
type JavaScriptRuntime struct{}

func (n *JavaScriptRuntime) Language() Language { return JavaScript }

func (n *JavaScriptRuntime) Aliases() []string { return []string{"node", "nodejs", "js"} }

func (n *JavaScriptRuntime) Target() string { return TargetNode }

func (n *JavaScriptRuntime) Filename() string { return "main.js" }

func (n *JavaScriptRuntime) Command() []string {
	return nodeCommand("main.js")
}

// TypeScriptRuntime runs TypeScript through ts-node on the Node.js image.
type TypeScriptRuntime struct{}

func (t *TypeScriptRuntime) Language() Language { return TypeScript }

func (t *TypeScriptRuntime) Aliases() []string { return []string{"ts"} }

func (t *TypeScriptRuntime) Target() string { return TargetNode }

func (t *TypeScriptRuntime) Filename() string { return "main.ts" }

func (t *TypeScriptRuntime) Command() []string {
	return nodeCommand("main.ts", "--require", "ts-node/register/transpile-only")
}

// nodeCommand is the single command template shared by the node-hosted languages.
func nodeCommand(file string, flags ...string) []string {
	cmd := []string{
		"node",
		"--max-old-space-size=192", // Keep V8 heap below the container memory ceiling
	}
	cmd = append(cmd, flags...)
	return append(cmd, file)
}
