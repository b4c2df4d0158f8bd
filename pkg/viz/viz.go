// Package viz renders the change history of a room document as a graph, one
// node per change labeled with the document value at a chosen path. Useful for
// inspecting how offline and online edits interleaved after a reconcile.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderHistory writes an SVG of the document's change graph to outputPath.
// valuePath selects which part of the document is shown on each node.
func RenderHistory(d *automerge.Doc, valuePath []interface{}, outputPath string) error {
	g := graphviz.New()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := d.Changes()
	if err != nil {
		return fmt.Errorf("failed to list changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	var edgeCounter uint64
	for _, change := range changes {
		node, err := changeNode(graph, d, change, valuePath)
		if err != nil {
			return err
		}
		nodes[node.Name()] = node
		for _, dep := range change.Dependencies() {
			edgeName := strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1)))
			if _, err := graph.CreateEdge(edgeName, nodes[dep.String()], node); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// RenderHistoryToTemp renders the history to a fresh temp file and returns its
// path.
func RenderHistoryToTemp(d *automerge.Doc, valuePath []interface{}) (string, error) {
	out := filepath.Join(os.TempDir(), fmt.Sprintf("room-history-%d.svg", time.Now().UnixNano()))
	if err := RenderHistory(d, valuePath, out); err != nil {
		return "", err
	}
	return out, nil
}

func changeNode(graph *cgraph.Graph, d *automerge.Doc, change *automerge.Change, valuePath []interface{}) (*cgraph.Node, error) {
	docAt, err := d.Fork(change.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to fork at %s: %w", change.Hash(), err)
	}
	var raw interface{}
	if value, err := docAt.Path(valuePath...).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value at %s: %w", change.Hash(), err)
	}

	node, err := graph.CreateNode(change.Hash().String())
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	node.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), string(encoded)))
	return node, nil
}
