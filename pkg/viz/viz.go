// Package viz renders the change history of a replica as a graph, one node per change with edges
// from each dependency.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/todosync/pkg/doc"
)

type node struct {
	id    string
	label string
	deps  []string
}

func nodes(s *doc.Store) ([]node, error) {
	history, err := s.History()
	if err != nil {
		return nil, err
	}
	out := make([]node, 0, len(history))
	for _, ch := range history {
		st, err := s.StateAt(ch.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", ch.Hash, err)
		}
		items := 0
		for _, l := range st.Lists {
			items += len(l.Items)
		}
		actor := ch.Actor
		if len(actor) > 8 {
			actor = actor[:8]
		}
		n := node{
			id:    ch.Hash.String(),
			label: fmt.Sprintf("%s %s@%d %s\n%d lists, %d items", ch.Hash.String()[:8], actor, ch.Seq, ch.Message, len(st.Lists), items),
		}
		for _, dep := range ch.Deps {
			n.deps = append(n.deps, dep.String())
		}
		out = append(out, n)
	}
	return out, nil
}

// WriteDOT writes the history as graphviz DOT text.
func WriteDOT(w io.Writer, s *doc.Store) error {
	ns, err := nodes(s)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("digraph \"log\" {\n")
	for _, n := range ns {
		fmt.Fprintf(&buf, "    %q [label=%q]\n", n.id, n.label)
		for _, dep := range n.deps {
			fmt.Fprintf(&buf, "    %q -> %q\n", dep, n.id)
		}
	}
	buf.WriteString("}\n")
	_, err = w.Write(buf.Bytes())
	return err
}

// RenderSVG lays the history out with graphviz and writes it to outputPath.
func RenderSVG(s *doc.Store, outputPath string) error {
	ns, err := nodes(s)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(ns))
	edges := 0
	for _, n := range ns {
		gn, err := graph.CreateNode(n.id)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		gn.SetLabel(n.label)
		nodeMap[n.id] = gn
		for _, dep := range n.deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, gn); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// RenderToTemp renders into a new file under the temp dir and returns its path.
func RenderToTemp(s *doc.Store) (string, error) {
	f, err := os.CreateTemp("", "todosync-*.svg")
	if err != nil {
		return "", err
	}
	_ = f.Close()
	if err := RenderSVG(s, f.Name()); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return filepath.Clean(f.Name()), nil
}
