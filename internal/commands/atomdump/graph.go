package atomdump

import (
	"fmt"
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/blacktop/machobj/pkg/ld"
)

// Node is a vertex of the reference graph: an atom of the file or an
// undefined name it refers to.
type Node struct {
	Key   string
	Name  string
	Atom  ld.AtomID
	Undef bool
}

func nodeHash(n Node) string { return n.Key }

func atomKey(id ld.AtomID) string { return fmt.Sprintf("#%d", id) }

// RefGraph is the directed "atom references target" graph of one object file.
type RefGraph struct {
	graph.Graph[string, Node]
	file *ld.ObjectFile
	// byName resolves by-name bindings to atoms visible outside the translation unit.
	byName map[string]ld.AtomID
}

// NewRefGraph adds one vertex per atom and one edge per distinct
// (source, target) pair named by a fixup step.
func NewRefGraph(f *ld.ObjectFile) (*RefGraph, error) {
	g := &RefGraph{
		Graph:  graph.New(nodeHash, graph.Directed()),
		file:   f,
		byName: make(map[string]ld.AtomID),
	}

	var err error
	f.ForEachAtom(func(id ld.AtomID, a *ld.Atom) bool {
		if a.Scope != ld.ScopeTranslationUnit {
			if _, dup := g.byName[a.Name]; !dup {
				g.byName[a.Name] = id
			}
		}
		err = g.AddVertex(Node{Key: atomKey(id), Name: a.Name, Atom: id},
			graph.VertexAttribute("label", a.Name),
			graph.VertexAttribute("shape", "box"))
		return err == nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to add atom vertex")
	}

	f.ForEachAtom(func(id ld.AtomID, a *ld.Atom) bool {
		fixups := a.Fixups()
		for i := range fixups {
			if err = g.addReference(id, &fixups[i]); err != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to add reference edge")
	}
	return g, nil
}

func (g *RefGraph) targetKey(fx *ld.Fixup) (string, error) {
	if fx.Target != ld.NoAtom {
		return atomKey(fx.Target), nil
	}
	if id, ok := g.byName[fx.Name]; ok {
		return atomKey(id), nil
	}
	if _, err := g.Vertex(fx.Name); err == nil {
		return fx.Name, nil
	}
	err := g.AddVertex(Node{Key: fx.Name, Name: fx.Name, Atom: ld.NoAtom, Undef: true},
		graph.VertexAttribute("label", fx.Name),
		graph.VertexAttribute("style", "dashed"))
	return fx.Name, err
}

func (g *RefGraph) addReference(src ld.AtomID, fx *ld.Fixup) error {
	if !fx.Kind.HasTarget() || fx.Binding == ld.BindingNone {
		return nil
	}
	to, err := g.targetKey(fx)
	if err != nil {
		return err
	}
	from := atomKey(src)
	if from == to {
		return nil
	}
	err = g.AddEdge(from, to, graph.EdgeAttribute("label", fx.Kind.String()))
	if errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return nil
	}
	return err
}

// Undefined returns the names referenced but not defined by the file, sorted.
func (g *RefGraph) Undefined() ([]string, error) {
	adj, err := g.AdjacencyMap()
	if err != nil {
		return nil, err
	}
	var names []string
	for key := range adj {
		n, err := g.Vertex(key)
		if err != nil {
			return nil, err
		}
		if n.Undef {
			names = append(names, n.Name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Reachable walks the graph from the atom named root and returns every
// atom it reaches, root included, in file order.
func (g *RefGraph) Reachable(root string) ([]ld.AtomID, error) {
	id, _ := g.file.AtomByName(root)
	if id == ld.NoAtom {
		return nil, fmt.Errorf("no atom named %s", root)
	}
	var live []ld.AtomID
	err := graph.DFS[string, Node](g.Graph, atomKey(id), func(key string) bool {
		n, err := g.Vertex(key)
		if err == nil && !n.Undef {
			live = append(live, n.Atom)
		}
		return false
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk from %s", root)
	}
	slices.Sort(live)
	return live, nil
}

// Dead returns the atoms not reachable from any root and not pinned by
// dont-dead-strip, in file order.
func (g *RefGraph) Dead(roots ...string) ([]ld.AtomID, error) {
	live := make(map[ld.AtomID]bool)
	for _, root := range roots {
		ids, err := g.Reachable(root)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			live[id] = true
		}
	}
	var dead []ld.AtomID
	g.file.ForEachAtom(func(id ld.AtomID, a *ld.Atom) bool {
		if !live[id] && !a.DontDeadStrip {
			dead = append(dead, id)
		}
		return true
	})
	return dead, nil
}

// WriteDOT renders the graph in graphviz format.
func (g *RefGraph) WriteDOT(w io.Writer) error {
	return draw.DOT[string, Node](g.Graph, w, draw.GraphAttribute("rankdir", "LR"))
}
