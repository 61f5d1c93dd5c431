package snapshot

import "sort"

// TreeNode is one node of the snapshot lineage forest.
type TreeNode struct {
	Snapshot Snapshot
	Children []*TreeNode
}

// BuildTree computes the lineage forest from the master index. Snapshots
// whose parent is absent (deleted, or dropped on import) become roots.
// Trees are computed on demand; nothing holds back-pointers.
func BuildTree() ([]*TreeNode, error) {
	idx, err := loadIndex()
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*TreeNode, len(idx.Snapshots))
	for name, s := range idx.Snapshots {
		nodes[name] = &TreeNode{Snapshot: s}
	}

	var roots []*TreeNode
	for name, node := range nodes {
		parent := idx.Snapshots[name].ParentSnapshot
		if parent == "" {
			roots = append(roots, node)
			continue
		}
		if parentNode, ok := nodes[parent]; ok {
			parentNode.Children = append(parentNode.Children, node)
		} else {
			roots = append(roots, node)
		}
	}

	sortNodes(roots)
	for _, node := range nodes {
		sortNodes(node.Children)
	}
	return roots, nil
}

func sortNodes(nodes []*TreeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Snapshot.CreatedAt.Before(nodes[j].Snapshot.CreatedAt)
	})
}
