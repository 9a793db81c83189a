package manifest

import (
	"encoding/json"
	"testing"
)

func validManifest() Manifest {
	return Manifest{
		Namespace:  "ns",
		ShortName:  "short",
		Version:    "1.2.3",
		APIVersion: "1",
		Author:     "a",
	}
}

func TestValidateAcceptsMinimalManifest(t *testing.T) {
	m := validManifest()
	if err := m.Validate(); err != nil {
		t.Fatal(err)
	}
	if m.Type != QuestionType {
		t.Fatalf("expected Type to default to QuestionType, got %q", m.Type)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Manifest)
	}{
		{"short_name", func(m *Manifest) { m.ShortName = "" }},
		{"namespace", func(m *Manifest) { m.Namespace = "" }},
		{"api_version", func(m *Manifest) { m.APIVersion = "" }},
		{"author", func(m *Manifest) { m.Author = "" }},
		{"version", func(m *Manifest) { m.Version = "not-a-version" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := validManifest()
			c.mut(&m)
			if err := m.Validate(); err == nil {
				t.Fatalf("expected an error with %s missing/invalid", c.name)
			}
		})
	}
}

func TestValidateRejectsInvalidType(t *testing.T) {
	m := validManifest()
	m.Type = "NOT_A_TYPE"
	if err := m.Validate(); err == nil {
		t.Fatal("expected an error for an invalid package type")
	}
}

func TestValidateRejectsNegativeStaticFileSize(t *testing.T) {
	m := validManifest()
	m.StaticFiles = map[string]StaticFile{"a.png": {Size: -1}}
	if err := m.Validate(); err == nil {
		t.Fatal("expected an error for a negative static file size")
	}
}

func TestEntrypointOrDefault(t *testing.T) {
	m := validManifest()
	if got := m.EntrypointOrDefault(); got != DefaultEntrypoint {
		t.Fatalf("expected default entrypoint, got %q", got)
	}
	m.Entrypoint = "custom"
	if got := m.EntrypointOrDefault(); got != "custom" {
		t.Fatalf("expected custom entrypoint, got %q", got)
	}
}

func TestParseSemverOrdering(t *testing.T) {
	cases := []struct{ lo, hi string }{
		{"0.0.1", "1.0.0"},
		{"1.0.0", "1.1.0"},
		{"1.1.0", "1.1.1"},
		{"1.2.3-alpha", "1.2.4"},
	}
	for _, c := range cases {
		lo, err := ParseSemver(c.lo)
		if err != nil {
			t.Fatal(err)
		}
		hi, err := ParseSemver(c.hi)
		if err != nil {
			t.Fatal(err)
		}
		if !lo.Less(hi) {
			t.Fatalf("expected %s < %s", c.lo, c.hi)
		}
		if hi.Less(lo) {
			t.Fatalf("did not expect %s < %s", c.hi, c.lo)
		}
	}
}

func TestParseSemverRejectsMalformed(t *testing.T) {
	for _, v := range []string{"", "1.0", "1.0.0.0", "a.b.c"} {
		if _, err := ParseSemver(v); err == nil {
			t.Fatalf("expected an error parsing %q", v)
		}
	}
}

func TestLocationBoxRoundTripsZipAndDir(t *testing.T) {
	cases := []Location{
		Zip{Path: "/a.qpy"},
		Dir{Path: "/a"},
	}
	for _, loc := range cases {
		box := LocationBox{Location: loc}
		data, err := json.Marshal(box)
		if err != nil {
			t.Fatal(err)
		}
		var got LocationBox
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if got.Location != loc {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got.Location, loc)
		}
	}
}

// Function carries a Manifest with map fields, so it isn't comparable with
// ==; its fields are checked individually instead.
func TestLocationBoxRoundTripsFunction(t *testing.T) {
	want := Function{Module: "mod", FuncName: "fn", Manifest: validManifest()}
	data, err := json.Marshal(LocationBox{Location: want})
	if err != nil {
		t.Fatal(err)
	}
	var got LocationBox
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	fn, ok := got.Location.(Function)
	if !ok {
		t.Fatalf("expected a Function location, got %T", got.Location)
	}
	if fn.Module != want.Module || fn.FuncName != want.FuncName || fn.Manifest.ShortName != want.Manifest.ShortName {
		t.Fatalf("round trip mismatch: got %+v, want %+v", fn, want)
	}
}

func TestLocationBoxNilMarshalsToNull(t *testing.T) {
	data, err := json.Marshal(LocationBox{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "null" {
		t.Fatalf("expected null, got %s", data)
	}
	var got LocationBox
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Location != nil {
		t.Fatalf("expected nil Location, got %+v", got.Location)
	}
}
