package runtime

import (
	"reflect"
	"strings"
	"testing"
)

func TestResolve_SupportedLanguages(t *testing.T) {
	r := NewRegistry("")

	tests := []struct {
		label    string
		language Language
		target   string
		filename string
	}{
		{"python", Python, TargetPython, "main.py"},
		{"javascript", JavaScript, TargetNode, "main.js"},
		{"node", JavaScript, TargetNode, "main.js"},
		{"typescript", TypeScript, TargetNode, "main.ts"},
		{"ts", TypeScript, TargetNode, "main.ts"},
		{"java", Java, TargetJava, "Main.java"},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			p := r.Resolve(tt.label)
			if p.Language != tt.language {
				t.Errorf("Language = %q, want %q", p.Language, tt.language)
			}
			if p.Target != tt.target {
				t.Errorf("Target = %q, want %q", p.Target, tt.target)
			}
			if p.Filename != tt.filename {
				t.Errorf("Filename = %q, want %q", p.Filename, tt.filename)
			}
			if want := "bug-ghost-sandbox-" + tt.target + ":latest"; p.Image != want {
				t.Errorf("Image = %q, want %q", p.Image, want)
			}
		})
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	r := NewRegistry("")
	for _, label := range []string{"PYTHON", " Python ", "pYtHoN"} {
		if got := r.Resolve(label).Language; got != Python {
			t.Errorf("Resolve(%q).Language = %q, want python", label, got)
		}
	}
	if got := r.Resolve("JavaScript").Target; got != TargetNode {
		t.Errorf("Resolve(JavaScript).Target = %q, want node", got)
	}
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	r := NewRegistry("")
	want := r.Resolve(string(Default))

	for _, label := range []string{"", "   ", "cobol", "rust", "\x00\xff", strings.Repeat("x", 4096)} {
		got := r.Resolve(label)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Resolve(%q) = %+v, want default %+v", label, got, want)
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	r := NewRegistry("")
	for _, lang := range r.Languages() {
		a := r.Resolve(string(lang))
		b := r.Resolve(string(lang))
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Resolve(%q) not deterministic: %+v vs %+v", lang, a, b)
		}
	}
}

func TestResolve_CommandIsACopy(t *testing.T) {
	r := NewRegistry("")
	p := r.Resolve("python")
	p.Command[0] = "rm"
	if got := r.Resolve("python").Command[0]; got != "python3" {
		t.Errorf("Command[0] = %q after caller mutation, want python3", got)
	}
}

func TestResolve_AliasGroupsShareTemplate(t *testing.T) {
	r := NewRegistry("")
	js := r.Resolve("javascript")
	ts := r.Resolve("typescript")

	if js.Image != ts.Image {
		t.Errorf("javascript image %q != typescript image %q", js.Image, ts.Image)
	}
	if js.Command[0] != "node" || ts.Command[0] != "node" {
		t.Errorf("expected both to run under node, got %v and %v", js.Command, ts.Command)
	}
	if js.Command[len(js.Command)-1] != js.Filename || ts.Command[len(ts.Command)-1] != ts.Filename {
		t.Errorf("node command must end with the source filename: %v / %v", js.Command, ts.Command)
	}
}

func TestLookup_Strict(t *testing.T) {
	r := NewRegistry("")
	if _, ok := r.Lookup("cobol"); ok {
		t.Error("Lookup(cobol) should report unsupported")
	}
	if _, ok := r.Lookup("java"); !ok {
		t.Error("Lookup(java) should be supported")
	}
}

func TestTargetsAndImages(t *testing.T) {
	r := NewRegistry("acme")

	want := []string{TargetJava, TargetNode, TargetPython}
	if got := r.Targets(); !reflect.DeepEqual(got, want) {
		t.Errorf("Targets() = %v, want %v", got, want)
	}

	images := r.Images()
	if len(images) != 3 {
		t.Fatalf("Images() len = %d, want 3", len(images))
	}
	for _, img := range images {
		if !strings.HasPrefix(img, "acme-") || !strings.HasSuffix(img, ":latest") {
			t.Errorf("image %q does not use the configured prefix", img)
		}
	}

	if tgt, ok := r.Target("TS"); !ok || tgt != TargetNode {
		t.Errorf("Target(TS) = %q, %v; want node, true", tgt, ok)
	}
	if _, ok := r.Target("go"); ok {
		t.Error("Target(go) should be unsupported")
	}
}

func TestCommands_NeverReferenceHostPaths(t *testing.T) {
	r := NewRegistry("")
	for _, lang := range r.Languages() {
		p := r.Resolve(string(lang))
		joined := strings.Join(p.Command, " ")
		if !strings.Contains(joined, p.Filename) {
			t.Errorf("%s command %q does not reference %s", lang, joined, p.Filename)
		}
		if strings.Contains(joined, "/tmp") {
			t.Errorf("%s command %q should run from the workspace", lang, joined)
		}
	}
}
