package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Language identifies a supported guest language.
type Language string

// Supported language tags.
const (
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageJavaScript Language = "javascript"
	LanguageCPP        Language = "cpp"
	LanguageGo         Language = "go"
	LanguageRuby       Language = "ruby"
)

// Fixed in-environment paths shared by all profiles.
const (
	ProfilerDestPath = "/tmp/memory_profiler.sh"
	SampleFeedName   = "mem_usage.log"
	GoWorkspaceDir   = "/go_space"
	defaultWorkdir   = "/tmp"
)

// Profile describes how a language's code is named, installed, compiled and
// run inside the environment. Profiles are never mutated at runtime; command
// templates substitute the in-environment code path for %s.
type Profile struct {
	Extension string `yaml:"extension"`
	Image     string `yaml:"image"`

	// Install is the dependency-install command template (%s = library
	// name). Empty means library installation is not supported.
	Install string `yaml:"install"`

	// Compile is the compile command template for compiled languages,
	// empty for interpreted ones. It is never prefixed by the profiler.
	Compile string `yaml:"compile"`

	// Run is the execution command template. Profiled sequences prefix
	// this step (and only this step) with the sampler invocation.
	Run string `yaml:"run"`

	// Workdir is the working directory for every command of this
	// language. NeedsWorkspace marks languages whose workdir must be
	// initialized as a module workspace before any install command.
	Workdir        string `yaml:"workdir"`
	NeedsWorkspace bool   `yaml:"needs_workspace"`
}

// profiles is the static Language Profile Table. Images follow the original
// runtime defaults and can be overridden via config or a YAML profile file.
var profiles = map[Language]Profile{
	LanguagePython: {
		Extension: "py",
		Image:     "python:3.9.19-bullseye",
		Install:   "pip install %s",
		Run:       "python %s",
		Workdir:   defaultWorkdir,
	},
	LanguageJava: {
		Extension: "java",
		Image:     "openjdk:11.0.12-jdk-bullseye",
		Run:       "java %s",
		Workdir:   defaultWorkdir,
	},
	LanguageJavaScript: {
		Extension: "js",
		Image:     "node:22-bullseye",
		Install:   "yarn add %s",
		Run:       "node %s",
		Workdir:   defaultWorkdir,
	},
	LanguageCPP: {
		Extension: "cpp",
		Image:     "gcc:11.4.0-bullseye",
		Install:   "apt-get install %s",
		Compile:   "g++ -o a.out %s",
		Run:       "./a.out",
		Workdir:   defaultWorkdir,
	},
	LanguageGo: {
		Extension:      "go",
		Image:          "golang:1.17.0-bullseye",
		Install:        "go get -u %s",
		Run:            "go run %s",
		Workdir:        GoWorkspaceDir,
		NeedsWorkspace: true,
	},
	LanguageRuby: {
		Extension: "rb",
		Image:     "ruby:3.0.6-bullseye",
		Install:   "gem install %s",
		Run:       "ruby %s",
		Workdir:   defaultWorkdir,
	},
}

// SupportedLanguages returns the language tags in stable order.
func SupportedLanguages() []Language {
	langs := make([]Language, 0, len(profiles))
	for lang := range profiles {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// LookupProfile returns the profile for lang.
func LookupProfile(lang Language) (Profile, error) {
	p, ok := profiles[lang]
	if !ok {
		return Profile{}, fmt.Errorf("language %q is not supported, must be one of %v", lang, SupportedLanguages())
	}
	return p, nil
}

// SupportsInstall reports whether the language allows dependency
// installation.
func (p Profile) SupportsInstall() bool {
	return p.Install != ""
}

// InstallCommand returns the install command for one library.
func (p Profile) InstallCommand(library string) (string, error) {
	if !p.SupportsInstall() {
		return "", fmt.Errorf("%w: library installation", ErrUnsupportedOperation)
	}
	return fmt.Sprintf(p.Install, library), nil
}

// CodeFileName returns the canonical source file name for the profile.
func (p Profile) CodeFileName() string {
	return "code." + p.Extension
}

// CodeDestPath returns the fixed in-environment destination for the code
// file.
func (p Profile) CodeDestPath() string {
	return p.Workdir + "/" + p.CodeFileName()
}

// SampleFeedPath returns the in-environment path of the memory sampler's
// output feed for this profile.
func (p Profile) SampleFeedPath() string {
	return p.Workdir + "/" + SampleFeedName
}

// Commands returns the ordered build/run command sequence for the given
// in-environment code path. Compiled languages yield exactly two entries
// (compile, then run); interpreted languages exactly one. When profiled,
// the run step is prefixed with the sampler invocation while compile steps
// stay unprefixed.
func (p Profile) Commands(codePath string, profiled bool) []string {
	run := strings.ReplaceAll(p.Run, "%s", codePath)
	if profiled {
		run = ProfilerDestPath + " " + run
	}
	if p.Compile == "" {
		return []string{run}
	}
	return []string{fmt.Sprintf(p.Compile, codePath), run}
}

// profileOverride is the YAML shape accepted by LoadProfileOverrides.
type profileOverride struct {
	Image   string `yaml:"image"`
	Install string `yaml:"install"`
	Compile string `yaml:"compile"`
	Run     string `yaml:"run"`
}

// ApplyImageOverrides replaces the default image of each listed language.
// Unknown languages are rejected so a config typo cannot silently fall
// through to a default image.
func ApplyImageOverrides(images map[string]string) error {
	for name, image := range images {
		lang := Language(name)
		p, ok := profiles[lang]
		if !ok {
			return fmt.Errorf("image override for unsupported language %q", name)
		}
		if image != "" {
			p.Image = image
			profiles[lang] = p
		}
	}
	return nil
}

// LoadProfileOverrides merges per-language overrides from a YAML file into
// the profile table. Only non-empty fields override.
func LoadProfileOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profile overrides: %w", err)
	}
	var overrides map[string]profileOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing profile overrides: %w", err)
	}
	for name, o := range overrides {
		lang := Language(name)
		p, ok := profiles[lang]
		if !ok {
			return fmt.Errorf("profile override for unsupported language %q", name)
		}
		if o.Image != "" {
			p.Image = o.Image
		}
		if o.Install != "" {
			p.Install = o.Install
		}
		if o.Compile != "" {
			p.Compile = o.Compile
		}
		if o.Run != "" {
			p.Run = o.Run
		}
		profiles[lang] = p
	}
	return nil
}
