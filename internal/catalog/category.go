package catalog

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BuildTree links a flat category list into roots with nested children.
// Categories pointing at an unknown parent are treated as roots.
func BuildTree(categories []Category) ([]*Category, error) {
	nodes := make(map[uuid.UUID]*Category, len(categories))
	for i := range categories {
		c := categories[i]
		c.Children = nil
		nodes[c.ID] = &c
	}
	for _, node := range nodes {
		seen := map[uuid.UUID]struct{}{node.ID: {}}
		for parent := node.ParentID; parent != nil; {
			p, ok := nodes[*parent]
			if !ok {
				break
			}
			if _, loop := seen[p.ID]; loop {
				return nil, fmt.Errorf("%w: %s", ErrCategoryCycle, node.Name)
			}
			seen[p.ID] = struct{}{}
			parent = p.ParentID
		}
	}
	var roots []*Category
	for _, node := range nodes {
		if node.ParentID != nil {
			if parent, ok := nodes[*node.ParentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	sortCategories(roots)
	return roots, nil
}

func sortCategories(list []*Category) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	for _, c := range list {
		sortCategories(c.Children)
	}
}
