package storage

import (
	"sort"
	"strings"
)

// PathNode is one node of the path hierarchy tree. RunCount counts runs whose
// path equals this node exactly; TotalRuns includes every descendant.
type PathNode struct {
	Name      string      `json:"name"`
	Path      string      `json:"path"`
	RunCount  int         `json:"run_count"`
	TotalRuns int         `json:"total_runs"`
	Children  []*PathNode `json:"children,omitempty"`
}

// BuildPathTree assembles the prefix trie over the stored path values. Stats
// come from the mirror's per-path aggregates; segment children are sorted by
// name for a stable rendering.
func BuildPathTree(stats []PathStat) []*PathNode {
	root := &PathNode{}
	index := map[string]*PathNode{"": root}

	for _, st := range stats {
		segments := strings.Split(st.Path, "/")
		prefix := ""
		node := root
		for _, seg := range segments {
			if seg == "" {
				continue
			}
			if prefix == "" {
				prefix = seg
			} else {
				prefix = prefix + "/" + seg
			}
			child, ok := index[prefix]
			if !ok {
				child = &PathNode{Name: seg, Path: prefix}
				index[prefix] = child
				node.Children = append(node.Children, child)
			}
			node = child
		}
		node.RunCount = st.RunCount
	}

	var total func(n *PathNode) int
	total = func(n *PathNode) int {
		n.TotalRuns = n.RunCount
		for _, c := range n.Children {
			n.TotalRuns += total(c)
		}
		sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Name < n.Children[j].Name })
		return n.TotalRuns
	}
	total(root)

	return root.Children
}
