package runtime

// JavaRuntime compiles and runs a single Main class.
type JavaRuntime struct{}

func (j *JavaRuntime) Language() Language { return Java }

func (j *JavaRuntime) Aliases() []string { return []string{"jvm"} }

func (j *JavaRuntime) Target() string { return TargetJava }

func (j *JavaRuntime) Filename() string { return "Main.java" }

func (j *JavaRuntime) Command() []string {
	return []string{
		"/bin/sh", "-c",
		"javac -d /workspace Main.java && exec java -XX:+UseSerialGC -Xss512k -cp /workspace Main",
	}
}
