package runtime

import "testing"

func TestNewRegistrySupportsExactlyFourLanguages(t *testing.T) {
	r := NewRegistry()

	want := map[string]bool{"python": true, "javascript": true, "shell": true, "rust": true}
	got := r.Languages()
	if len(got) != len(want) {
		t.Fatalf("Languages() = %v, want exactly %v", got, want)
	}
	for _, lang := range got {
		if !want[lang] {
			t.Errorf("unexpected registered language %q", lang)
		}
	}
}

func TestRegistryGetUnknownLanguage(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("cobol"); err == nil {
		t.Fatal("expected error for unsupported language, got nil")
	}
}

func TestRegistryGetKnownLanguages(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"python", "javascript", "shell", "rust"} {
		rt, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%q) returned error: %v", name, err)
		}
		if rt.Name() != name {
			t.Errorf("Get(%q).Name() = %q", name, rt.Name())
		}
		if rt.Image() == "" {
			t.Errorf("Get(%q).Image() is empty", name)
		}
		if rt.FileExtension() == "" {
			t.Errorf("Get(%q).FileExtension() is empty", name)
		}
		if len(rt.Command("/workspace/x."+rt.FileExtension())) == 0 {
			t.Errorf("Get(%q).Command() returned no argv", name)
		}
	}
}

func TestImagesReturnsOnePerRuntime(t *testing.T) {
	r := NewRegistry()
	if len(r.Images()) != len(r.Languages()) {
		t.Fatalf("Images() = %d entries, want %d", len(r.Images()), len(r.Languages()))
	}
}
