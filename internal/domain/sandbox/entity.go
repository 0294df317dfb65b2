package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// BareHash identifies the environment of analyzers without requirements.
const BareHash = "bare"

// InputsVariable carries the whole input mapping as JSON.
const InputsVariable = "ANALYZER_INPUTS"

// Environment is a ready, read-only dependency environment.
type Environment struct {
	Hash      string    `json:"hash"`
	Location  string    `json:"location"` // volume name or directory
	CreatedAt time.Time `json:"created_at"`
}

// Invocation describes one script run.
type Invocation struct {
	ID          string
	Environment Environment
	Script      []byte
	Inputs      map[string]any
	Timeout     time.Duration
}

// Result hasil dari satu eksekusi script
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reserved are set by the sandbox itself.
var reserved = map[string]bool{
	"PATH": true, "HOME": true, "TMPDIR": true, "VIRTUAL_ENV": true, InputsVariable: true,
}

func exportable(name string) bool {
	if !envName.MatchString(name) || reserved[name] {
		return false
	}
	return !strings.HasPrefix(name, "PYTHON") && !strings.HasPrefix(name, "LD_")
}

// Serialize renders an input value the way scripts receive it: strings
// verbatim, everything else as JSON.
func Serialize(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// EnvVars builds the KEY=value list injected for inputs, sorted by key.
// Each input is exported under its own name and, when no other input claims
// it, under its upper-cased name too (url also becomes URL). Keys that are
// not valid variable names, and names the runtime owns, only appear in
// InputsVariable.
func EnvVars(inputs map[string]any) []string {
	keys := make([]string, 0, len(inputs))
	upper := make(map[string]int, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
		if u := strings.ToUpper(k); u != k {
			upper[u]++
		}
	}
	sort.Strings(keys)

	out := make([]string, 0, 2*len(keys)+1)
	for _, k := range keys {
		if !exportable(k) {
			continue
		}
		val := Serialize(inputs[k])
		out = append(out, k+"="+val)
		u := strings.ToUpper(k)
		if _, taken := inputs[u]; u != k && !taken && upper[u] == 1 && exportable(u) {
			out = append(out, u+"="+val)
		}
	}
	all, err := json.Marshal(inputs)
	if err != nil || inputs == nil {
		all = []byte("{}")
	}
	return append(out, InputsVariable+"="+string(all))
}
