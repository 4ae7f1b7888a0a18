// Package descriptor reads and writes state machine descriptors as YAML and
// renders them as Graphviz DOT.
//
// A descriptor file looks like this:
//
//	name: replication
//	states:
//	  - name: INIT
//	    flags: [initial]
//	    allowed: [RUN, FAILED]
//	  - name: RUN
//	    allowed: [RUN, DONE, FAILED]
//	  - name: DONE
//	    flags: [terminal]
//	  - name: FAILED
//	    flags: [terminal, failure]
//
// Hooks and invariants cannot be expressed in a file; attach them in code.
package descriptor

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/Swind/go-locality-runner/core"
)

// File is the YAML form of a descriptor.
type File struct {
	Name   string  `yaml:"name"`
	States []State `yaml:"states"`
}

// State is the YAML form of one state.
type State struct {
	Name    string   `yaml:"name"`
	Flags   []string `yaml:"flags,omitempty,flow"`
	Allowed []string `yaml:"allowed,omitempty,flow"`
}

var flagsByName = map[string]core.StateFlags{
	"initial":  core.StateInitial,
	"terminal": core.StateTerminal,
	"failure":  core.StateFailure,
}

// Parse builds a descriptor from YAML.
func Parse(data []byte) (*core.Descriptor, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads one YAML document from r and builds a descriptor from it.
// Unknown keys are rejected.
func Decode(r io.Reader) (*core.Descriptor, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(core.ErrInvalidDescriptor, "empty document")
		}
		return nil, errors.Wrap(err, "decode descriptor")
	}
	return f.Build()
}

// LoadFile reads a descriptor file.
func LoadFile(path string) (*core.Descriptor, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open descriptor")
	}
	defer fh.Close()

	desc, err := Decode(fh)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return desc, nil
}

// LoadInto reads every file and registers the descriptors with reg.
func LoadInto(reg *core.Registry, paths ...string) ([]*core.Descriptor, error) {
	out := make([]*core.Descriptor, 0, len(paths))
	for _, p := range paths {
		desc, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		if _, err := reg.Register(desc); err != nil {
			return nil, errors.Wrapf(err, "%s", p)
		}
		out = append(out, desc)
	}
	return out, nil
}

// Build resolves state names and validates the table.
func (f *File) Build() (*core.Descriptor, error) {
	if len(f.States) > core.MaxStates {
		return nil, errors.Wrapf(core.ErrInvalidDescriptor, "%s: %d states, at most %d allowed",
			f.Name, len(f.States), core.MaxStates)
	}

	index := make(map[string]int, len(f.States))
	for i, s := range f.States {
		if _, dup := index[s.Name]; dup {
			return nil, errors.Wrapf(core.ErrInvalidDescriptor, "%s: duplicate state %q", f.Name, s.Name)
		}
		index[s.Name] = i
	}

	states := make([]core.StateDescriptor, len(f.States))
	for i, s := range f.States {
		sd := core.StateDescriptor{Name: s.Name}
		for _, name := range s.Flags {
			flag, ok := flagsByName[strings.ToLower(name)]
			if !ok {
				return nil, errors.Wrapf(core.ErrInvalidDescriptor, "%s: state %q: unknown flag %q",
					f.Name, s.Name, name)
			}
			sd.Flags |= flag
		}
		for _, to := range s.Allowed {
			j, ok := index[to]
			if !ok {
				return nil, errors.Wrapf(core.ErrInvalidDescriptor, "%s: state %q allows unknown state %q",
					f.Name, s.Name, to)
			}
			sd.Allowed = sd.Allowed.Add(j)
		}
		states[i] = sd
	}
	return core.NewDescriptor(f.Name, states)
}

// FromDescriptor converts desc back to its file form.
func FromDescriptor(desc *core.Descriptor) File {
	f := File{Name: desc.Name(), States: make([]State, desc.NumStates())}
	for id := range f.States {
		sd := desc.State(id)
		s := State{Name: sd.Name}
		for _, name := range []string{"initial", "terminal", "failure"} {
			if sd.Flags&flagsByName[name] != 0 {
				s.Flags = append(s.Flags, name)
			}
		}
		sd.Allowed.Each(func(to int) {
			s.Allowed = append(s.Allowed, desc.StateName(to))
		})
		f.States[id] = s
	}
	return f
}

// Marshal encodes desc as YAML.
func Marshal(desc *core.Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(FromDescriptor(desc)); err != nil {
		return nil, errors.Wrap(err, "encode descriptor")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode descriptor")
	}
	return buf.Bytes(), nil
}
