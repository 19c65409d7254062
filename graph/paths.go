// ABOUTME: BFS algorithm for finding paths from objects to GC roots
// ABOUTME: Explains which roots keep an object alive, with cycle detection

package graph

// Path represents a path from an object to a root
type Path struct {
	IDs []ObjID // Sequence of object IDs from target to root
}

// PathsToRoots finds up to maxPaths shortest paths from an object to
// one of roots using BFS over reverse edges
func PathsToRoots(g Graph, from ObjID, roots Roots, maxPaths int) []Path {
	if maxPaths <= 0 || g.GetObject(from) == nil {
		return nil
	}

	rootSet := make(map[ObjID]bool)
	for _, id := range roots.IDs {
		rootSet[id] = true
	}

	// Check if starting object is itself a root
	if rootSet[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	reverse := BuildReverseEdges(g)

	type searchNode struct {
		id   ObjID
		path []ObjID
	}

	var result []Path
	queue := []searchNode{{id: from, path: []ObjID{from}}}

	for len(queue) > 0 && len(result) < maxPaths {
		node := queue[0]
		queue = queue[1:]

		for _, referrerID := range reverse[node.id] {
			if containsID(node.path, referrerID) {
				continue
			}

			newPath := make([]ObjID, len(node.path)+1)
			copy(newPath, node.path)
			newPath[len(node.path)] = referrerID

			if rootSet[referrerID] {
				result = append(result, Path{IDs: newPath})
				if len(result) >= maxPaths {
					break
				}
				continue
			}
			queue = append(queue, searchNode{id: referrerID, path: newPath})
		}
	}

	return result
}

func containsID(ids []ObjID, id ObjID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
