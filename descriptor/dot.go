package descriptor

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/Swind/go-locality-runner/core"
)

// DOTOptions tune WriteDOT.
type DOTOptions struct {
	// Stats, when set, labels every edge with its transition count.
	Stats *core.TransitionStats
	// Active names states to highlight.
	Active []string
}

// DOT renders desc as Graphviz DOT source.
func DOT(desc *core.Descriptor, opts DOTOptions) []byte {
	var buf bytes.Buffer
	active := make(map[string]bool, len(opts.Active))
	for _, name := range opts.Active {
		active[name] = true
	}

	fmt.Fprintf(&buf, "digraph %q {\n", desc.Name())
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  node [shape=box, style=rounded, fontsize=10];\n")
	buf.WriteString("  edge [fontsize=9];\n")

	for id := 0; id < desc.NumStates(); id++ {
		sd := desc.State(id)
		attrs := nodeAttrs(sd, active[sd.Name])
		if len(attrs) == 0 {
			fmt.Fprintf(&buf, "  %q;\n", sd.Name)
			continue
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", sd.Name, strings.Join(attrs, ", "))
	}

	for from := 0; from < desc.NumStates(); from++ {
		desc.State(from).Allowed.Each(func(to int) {
			if opts.Stats != nil {
				fmt.Fprintf(&buf, "  %q -> %q [label=\"%d\"];\n",
					desc.StateName(from), desc.StateName(to), opts.Stats.Count(from, to))
				return
			}
			fmt.Fprintf(&buf, "  %q -> %q;\n", desc.StateName(from), desc.StateName(to))
		})
	}

	buf.WriteString("}\n")
	return buf.Bytes()
}

// WriteDOT writes the DOT source of desc to w.
func WriteDOT(w io.Writer, desc *core.Descriptor, opts DOTOptions) error {
	if _, err := w.Write(DOT(desc, opts)); err != nil {
		return errors.Wrap(err, "write dot")
	}
	return nil
}

func nodeAttrs(sd core.StateDescriptor, active bool) []string {
	var attrs []string
	if sd.Flags&core.StateInitial != 0 {
		attrs = append(attrs, "penwidth=2")
	}
	if sd.Flags&core.StateTerminal != 0 {
		attrs = append(attrs, "peripheries=2")
	}
	if sd.Flags&core.StateFailure != 0 {
		attrs = append(attrs, "color=red")
	}
	if active {
		attrs = append(attrs, `style="rounded,filled"`, "fillcolor=orange")
	}
	return attrs
}
